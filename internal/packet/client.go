package packet

import (
	"bufio"
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/repertory-go/repertory/internal/rerrors"
)

// Dialer opens a new transport connection to the remote repertory
// instance. In production this is net.Dial("tcp", addr); tests supply
// an in-memory net.Pipe dialer.
type Dialer func() (net.Conn, error)

// Client is a pooled packet RPC client. Requests are routed to one of
// NumConns persistent connections by threadID mod NumConns, giving
// every FUSE handle (whose operations all share one thread_id) a
// consistent connection and therefore in-order delivery at the
// socket level — spec.md's handle-affinity requirement, mirrored from
// the server's own thread_id-partitioned worker pool (see server.go).
type Client struct {
	dial    Dialer
	key     *[KeySize]byte
	conns   []*clientConn
	connsMu sync.Mutex
}

type clientConn struct {
	mu       sync.Mutex
	conn     net.Conn
	reader   *bufio.Reader
	pending  map[[NonceSize]byte]chan Frame
	pendMu   sync.Mutex
	readOnce sync.Once
}

// NewClient constructs a Client with numConns connection slots, opened
// lazily on first use. key may be nil to disable encryption (useful
// in tests and for trusted local transports).
func NewClient(dial Dialer, numConns int, key *[KeySize]byte) *Client {
	if numConns < 1 {
		numConns = 1
	}
	return &Client{
		dial:  dial,
		key:   key,
		conns: make([]*clientConn, numConns),
	}
}

func (c *Client) slot(threadID uint64) (*clientConn, error) {
	idx := int(threadID % uint64(len(c.conns)))

	c.connsMu.Lock()
	defer c.connsMu.Unlock()
	if c.conns[idx] != nil {
		return c.conns[idx], nil
	}

	conn, err := c.dial()
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial packet server")
	}
	cc := &clientConn{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		pending: make(map[[NonceSize]byte]chan Frame),
	}
	c.conns[idx] = cc
	go cc.readLoop()
	return cc, nil
}

func (cc *clientConn) readLoop() {
	for {
		f, err := ReadFrame(cc.reader)
		if err != nil {
			cc.failAllPending()
			return
		}
		cc.pendMu.Lock()
		ch, ok := cc.pending[f.Nonce]
		if ok {
			delete(cc.pending, f.Nonce)
		}
		cc.pendMu.Unlock()
		if ok {
			ch <- f
		}
	}
}

func (cc *clientConn) failAllPending() {
	cc.pendMu.Lock()
	defer cc.pendMu.Unlock()
	for nonce, ch := range cc.pending {
		close(ch)
		delete(cc.pending, nonce)
	}
}

// Call sends payload on the connection slot for threadID and blocks
// until the matching reply arrives, ctx is done, or the connection is
// lost.
func (c *Client) Call(ctx context.Context, threadID uint64, payload []byte) ([]byte, error) {
	cc, err := c.slot(threadID)
	if err != nil {
		return nil, err
	}

	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}

	wire := EncodeThreadID(threadID, payload)
	req := Frame{Nonce: nonce, Payload: wire}
	if c.key != nil {
		req = Seal(wire, nonce, c.key)
	}

	replyCh := make(chan Frame, 1)
	cc.pendMu.Lock()
	cc.pending[nonce] = replyCh
	cc.pendMu.Unlock()

	cc.mu.Lock()
	writeErr := WriteFrame(cc.conn, req)
	cc.mu.Unlock()
	if writeErr != nil {
		cc.pendMu.Lock()
		delete(cc.pending, nonce)
		cc.pendMu.Unlock()
		return nil, errors.Wrap(writeErr, "failed to write packet request")
	}

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return nil, rerrors.New(rerrors.CommError)
		}
		if c.key != nil {
			return Open(reply, c.key)
		}
		return reply.Payload, nil
	case <-ctx.Done():
		cc.pendMu.Lock()
		delete(cc.pending, nonce)
		cc.pendMu.Unlock()
		return nil, ctx.Err()
	}
}

// Close tears down every open connection slot.
func (c *Client) Close() error {
	c.connsMu.Lock()
	defer c.connsMu.Unlock()
	var firstErr error
	for _, cc := range c.conns {
		if cc == nil {
			continue
		}
		if err := cc.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
