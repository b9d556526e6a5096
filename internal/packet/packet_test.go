package packet

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteFrameThenReadFrameRoundTrips(t *testing.T) {
	nonce, err := NewNonce()
	require.NoError(t, err)
	f := Frame{Nonce: nonce, Payload: []byte("hello repertory")}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))

	got, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, f.Nonce, got.Nonce)
	require.Equal(t, f.Payload, got.Payload)
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	f := Frame{Payload: make([]byte, MaxPayloadBytes+1)}
	err := WriteFrame(&buf, f)
	require.Error(t, err)
}

func TestReadFrameRejectsBogusLengthPrefix(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF}) // huge bogus length
	_, err := ReadFrame(bufio.NewReader(&buf))
	require.Error(t, err)
}

func TestSealOpenRoundTrips(t *testing.T) {
	var key [KeySize]byte
	for i := range key {
		key[i] = byte(i)
	}
	nonce, err := NewNonce()
	require.NoError(t, err)

	plaintext := []byte("secret payload")
	sealed := Seal(plaintext, nonce, &key)
	opened, err := Open(sealed, &key)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestOpenFailsWithWrongKey(t *testing.T) {
	var key, wrongKey [KeySize]byte
	wrongKey[0] = 1
	nonce, err := NewNonce()
	require.NoError(t, err)

	sealed := Seal([]byte("secret"), nonce, &key)
	_, err = Open(sealed, &wrongKey)
	require.Error(t, err)
}

func TestEncodeDecodeThreadIDRoundTrips(t *testing.T) {
	encoded := EncodeThreadID(42, []byte("payload"))
	id, body := decodeThreadID(encoded)
	require.Equal(t, uint64(42), id)
	require.Equal(t, []byte("payload"), body)
}
