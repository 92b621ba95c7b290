package monitor

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pbftsim/client"
	"pbftsim/pbft"
)

// Snapshot is one polled view of the cluster, pushed to every
// connected websocket client.
type Snapshot struct {
	Time     time.Time         `json:"time"`
	Replicas []ReplicaSnapshot `json:"replicas"`
}

// ReplicaSnapshot is one replica's status, or Down when unreachable.
type ReplicaSnapshot struct {
	Addr   string          `json:"addr"`
	Down   bool            `json:"down"`
	Status *pbft.StatusMsg `json:"status,omitempty"`
}

// Server polls the cluster's observer surfaces and streams JSON
// snapshots over websockets, with a minimal HTML page for browsers.
type Server struct {
	address  string
	replicas []string
	interval time.Duration
	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]bool
	mu       sync.Mutex
	quit     chan bool
}

// NewServer creates a monitor for the given replica addresses.
func NewServer(address string, replicas []string, interval time.Duration) *Server {
	if interval == 0 {
		interval = time.Second
	}
	return &Server{
		address:  address,
		replicas: replicas,
		interval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for demo purposes
			},
		},
		clients: make(map[*websocket.Conn]bool),
		quit:    make(chan bool),
	}
}

// Start serves the monitor until the process exits.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/", s.handleHome)

	go s.pollLoop()

	log.Printf("Monitor listening on %s\n", s.address)
	log.Printf("WebSocket endpoint: ws://%s/ws\n", s.address)
	log.Printf("Web interface: http://%s/\n", s.address)

	return http.ListenAndServe(s.address, mux)
}

// Stop ends the poll loop.
func (s *Server) Stop() {
	close(s.quit)
}

func (s *Server) pollLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			snap := s.poll()
			data, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			s.broadcast(data)
		}
	}
}

func (s *Server) poll() Snapshot {
	snap := Snapshot{Time: time.Now()}
	for _, addr := range s.replicas {
		rs := ReplicaSnapshot{Addr: addr}
		if st, err := client.GetStatus(addr); err != nil {
			rs.Down = true
		} else {
			rs.Status = &st
		}
		snap.Replicas = append(snap.Replicas, rs)
	}
	return snap
}

func (s *Server) broadcast(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v\n", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()
	log.Printf("Monitor client connected from %s\n", conn.RemoteAddr())

	// Drain (and ignore) client frames so pings and closes are seen.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.mu.Lock()
				delete(s.clients, conn)
				s.mu.Unlock()
				conn.Close()
				return
			}
		}
	}()
}

// handleHome serves a simple HTML page for watching the cluster
func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	html := `
<!DOCTYPE html>
<html>
<head>
    <title>PBFT Cluster Monitor</title>
</head>
<body>
    <h1>PBFT Cluster Monitor</h1>
    <table border="1" cellpadding="4" id="cluster">
        <tr><th>ID</th><th>Role</th><th>View</th><th>Primary</th><th>Executed</th><th>Prepared</th><th>Committed</th></tr>
    </table>
    <script>
        const ws = new WebSocket('ws://' + window.location.host + '/ws');

        ws.onmessage = function(event) {
            const snap = JSON.parse(event.data);
            const table = document.getElementById('cluster');
            while (table.rows.length > 1) table.deleteRow(1);
            for (const r of snap.replicas) {
                const row = table.insertRow();
                if (r.down) {
                    row.insertCell().textContent = r.addr;
                    const c = row.insertCell();
                    c.colSpan = 6;
                    c.textContent = 'DOWN';
                    continue;
                }
                const st = r.status;
                for (const v of [st.ReplicaID, st.Role, st.View, st.PrimaryID,
                                 st.LastExecutedSeq, st.PreparedSlots, st.CommittedSlots]) {
                    row.insertCell().textContent = v;
                }
            }
        };
    </script>
</body>
</html>
`
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(html))
}
