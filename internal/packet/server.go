package packet

import (
	"bufio"
	"net"
	"sync"

	"github.com/repertory-go/repertory/internal/rlog"
)

// Handler processes one decoded request and returns the response
// payload to seal/frame back to the caller.
type Handler func(threadID uint64, payload []byte) []byte

// Server accepts packet connections and dispatches requests to a
// per-connection worker pool partitioned by threadID mod NumWorkers:
// requests sharing a thread_id (i.e. belonging to the same FUSE
// handle) always land on the same worker goroutine and so are
// processed in arrival order, while unrelated handles run fully
// concurrently. This is the server-side half of the handle-affinity
// guarantee internal/packet/client.go keeps on the dial side.
type Server struct {
	ln         net.Listener
	handler    Handler
	numWorkers int
	key        *[KeySize]byte

	// OnClientClosed, if set, is invoked (with the remote address as
	// client id) once a connection's read loop exits.
	OnClientClosed func(clientID string)
}

// NewServer wraps an already-listening net.Listener. key may be nil
// to disable encryption.
func NewServer(ln net.Listener, numWorkers int, key *[KeySize]byte, handler Handler) *Server {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Server{ln: ln, handler: handler, numWorkers: numWorkers, key: key}
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		go s.serveConn(conn)
	}
}

type workItem struct {
	nonce    [NonceSize]byte
	threadID uint64
	payload  []byte
}

func (s *Server) serveConn(conn net.Conn) {
	clientID := conn.RemoteAddr().String()
	defer func() {
		_ = conn.Close()
		if s.OnClientClosed != nil {
			s.OnClientClosed(clientID)
		}
	}()

	var writeMu sync.Mutex
	write := func(nonce [NonceSize]byte, resp []byte) {
		frame := Frame{Nonce: nonce, Payload: resp}
		if s.key != nil {
			frame = Seal(resp, nonce, s.key)
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := WriteFrame(conn, frame); err != nil {
			rlog.Debugf(clientID, "failed to write packet response: %v", err)
		}
	}

	workers := make([]chan workItem, s.numWorkers)
	var wg sync.WaitGroup
	for i := range workers {
		workers[i] = make(chan workItem, 16)
		wg.Add(1)
		go func(ch chan workItem) {
			defer wg.Done()
			for item := range ch {
				resp := s.handler(item.threadID, item.payload)
				write(item.nonce, resp)
			}
		}(workers[i])
	}
	defer func() {
		for _, ch := range workers {
			close(ch)
		}
		wg.Wait()
	}()

	reader := bufio.NewReader(conn)
	for {
		f, err := ReadFrame(reader)
		if err != nil {
			return
		}
		payload := f.Payload
		if s.key != nil {
			payload, err = Open(f, s.key)
			if err != nil {
				rlog.Debugf(clientID, "dropping packet with bad seal: %v", err)
				continue
			}
		}

		threadID, body := decodeThreadID(payload)
		idx := int(threadID % uint64(s.numWorkers))
		workers[idx] <- workItem{nonce: f.Nonce, threadID: threadID, payload: body}
	}
}

// decodeThreadID splits the 8-byte big-endian thread_id prefix every
// request carries from its body. Requests shorter than 8 bytes are
// treated as thread_id 0.
func decodeThreadID(payload []byte) (uint64, []byte) {
	if len(payload) < 8 {
		return 0, payload
	}
	var id uint64
	for _, b := range payload[:8] {
		id = id<<8 | uint64(b)
	}
	return id, payload[8:]
}

// EncodeThreadID prefixes payload with threadID's 8-byte big-endian
// encoding, the wire shape decodeThreadID above expects.
func EncodeThreadID(threadID uint64, payload []byte) []byte {
	out := make([]byte, 8+len(payload))
	for i := 7; i >= 0; i-- {
		out[i] = byte(threadID)
		threadID >>= 8
	}
	copy(out[8:], payload)
	return out
}
