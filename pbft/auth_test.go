package pbft

import "testing"

func TestRequestDigest(t *testing.T) {
	a := Request{ClientID: "c1", Timestamp: 1, Payload: "hello"}
	b := Request{ClientID: "c1", Timestamp: 1, Payload: "hello"}
	if a.Digest() != b.Digest() {
		t.Fatal("identical requests produced different digests")
	}
	for _, other := range []Request{
		{ClientID: "c2", Timestamp: 1, Payload: "hello"},
		{ClientID: "c1", Timestamp: 2, Payload: "hello"},
		{ClientID: "c1", Timestamp: 1, Payload: "world"},
	} {
		if a.Digest() == other.Digest() {
			t.Fatalf("distinct request %+v collided", other)
		}
	}
}

func TestMACAuthenticatorRoundTrip(t *testing.T) {
	// Pairwise keys are symmetric: what 2 signs for 1, 1 verifies
	// against sender 2.
	a1 := NewMACAuthenticator(1, 4, "secret")
	a2 := NewMACAuthenticator(2, 4, "secret")

	payload := []byte("P|2|0|0|abcd")
	mac := a2.Sign(1, payload)
	if len(mac) == 0 {
		t.Fatal("empty mac")
	}
	if !a1.Verify(2, payload, mac) {
		t.Fatal("genuine mac rejected")
	}
	if a1.Verify(3, payload, mac) {
		t.Fatal("mac verified against the wrong sender")
	}
	if a1.Verify(2, []byte("tampered"), mac) {
		t.Fatal("mac verified over altered payload")
	}

	other := NewMACAuthenticator(2, 4, "different-secret")
	if a1.Verify(2, payload, other.Sign(1, payload)) {
		t.Fatal("mac from a foreign cluster accepted")
	}
}

func TestNopAuthenticator(t *testing.T) {
	var a NopAuthenticator
	if !a.Verify(0, []byte("anything"), nil) {
		t.Fatal("nop authenticator rejected a message")
	}
}
