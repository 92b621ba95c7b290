package main

import "pbftsim/cmd"

func main() {
	cmd.Execute()
}
