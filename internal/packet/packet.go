// Package packet implements repertory's wire protocol (spec.md §6):
// a length-prefixed, nonce-bound binary RPC used between the mount
// process and a remote repertory instance acting as a provider
// (internal/provider/remote).
//
// The teacher repo carries no analogous transport — rclone talks to
// providers over HTTP. The framing and worker-partitioning shape here
// is instead grounded on the pack's aistore transport/api.go texture
// (fixed binary header + length-prefixed body, a Msg/ObjHdr framing
// split) adapted down to repertory's simpler single-request/
// single-response RPC, plus golang.org/x/crypto/nacl/secretbox for
// the optional payload encryption spec.md calls for. See DESIGN.md
// for the full grounding note.
package packet

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/repertory-go/repertory/internal/rerrors"
)

// MaxPayloadBytes bounds a single frame's payload to guard against a
// corrupt or hostile length prefix forcing an unbounded allocation.
const MaxPayloadBytes = 32 * 1024 * 1024

// NonceSize is the secretbox nonce width; every request carries one,
// freshly drawn, and the matching response echoes it back so a client
// with several requests in flight over one connection can match
// replies even if the server doesn't answer in submission order.
const NonceSize = 24

// KeySize is the secretbox shared-secret width.
const KeySize = 32

// Frame is one wire message: a nonce binding it to its request/
// response pair, plus an opaque payload.
type Frame struct {
	Nonce   [NonceSize]byte
	Payload []byte
}

// NewNonce draws a fresh random nonce for an outgoing request.
func NewNonce() ([NonceSize]byte, error) {
	var n [NonceSize]byte
	if _, err := rand.Read(n[:]); err != nil {
		return n, errors.Wrap(err, "failed to draw packet nonce")
	}
	return n, nil
}

// WriteFrame writes length-prefixed [nonce][payload] to w. The length
// prefix covers nonce+payload so the reader knows exactly how much to
// buffer before attempting to split it back apart.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxPayloadBytes {
		return rerrors.New(rerrors.BufferOverflow)
	}
	body := make([]byte, NonceSize+len(f.Payload))
	copy(body, f.Nonce[:])
	copy(body[NonceSize:], f.Payload)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "failed to write packet length prefix")
	}
	if _, err := w.Write(body); err != nil {
		return errors.Wrap(err, "failed to write packet body")
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < NonceSize || int(n) > MaxPayloadBytes+NonceSize {
		return Frame{}, rerrors.New(rerrors.BufferOverflow)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, errors.Wrap(err, "failed to read packet body")
	}
	var f Frame
	copy(f.Nonce[:], body[:NonceSize])
	f.Payload = body[NonceSize:]
	return f, nil
}

// Seal encrypts plaintext under key, producing a Frame whose Payload
// is the secretbox-sealed ciphertext and whose Nonce is the one used
// to seal it (and, for a response, the one that bound it to its
// request).
func Seal(plaintext []byte, nonce [NonceSize]byte, key *[KeySize]byte) Frame {
	sealed := secretbox.Seal(nil, plaintext, &nonce, key)
	return Frame{Nonce: nonce, Payload: sealed}
}

// Open decrypts a Frame sealed with Seal under key.
func Open(f Frame, key *[KeySize]byte) ([]byte, error) {
	plain, ok := secretbox.Open(nil, f.Payload, &f.Nonce, key)
	if !ok {
		return nil, rerrors.New(rerrors.DecryptionError)
	}
	return plain, nil
}
