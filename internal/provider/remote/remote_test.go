package remote

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/repertory-go/repertory/internal/packet"
	"github.com/repertory-go/repertory/internal/provider"
	"github.com/repertory-go/repertory/internal/rerrors"
)

// fakeHandler implements just enough of the JSON envelope protocol to
// exercise Provider's encode/decode path end to end.
func fakeHandler(t *testing.T) packet.Handler {
	return func(threadID uint64, payload []byte) []byte {
		var req request
		require.NoError(t, json.Unmarshal(payload, &req))

		var resp response
		switch req.Op {
		case "GetItem":
			var args struct{ APIPath string }
			require.NoError(t, json.Unmarshal(req.Args, &args))
			item := provider.Item{APIPath: args.APIPath, Size: 42}
			result, _ := json.Marshal(item)
			resp = response{Result: result}
		case "RemoveFile":
			resp = response{Err: "item_not_found"}
		default:
			resp = response{Err: "unrecognized op: " + req.Op}
		}

		out, _ := json.Marshal(resp)
		return out
	}
}

func startTestServer(t *testing.T, handler packet.Handler) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := packet.NewServer(ln, 2, nil, handler)
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func newTestProvider(t *testing.T, handler packet.Handler) *Provider {
	ln := startTestServer(t, handler)
	dial := func() (net.Conn, error) { return net.Dial("tcp", ln.Addr().String()) }
	client := packet.NewClient(dial, 1, nil)
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "peer-a")
}

func TestGetItemDecodesResult(t *testing.T) {
	p := newTestProvider(t, fakeHandler(t))
	item, err := p.GetItem(context.Background(), "/a.txt")
	require.NoError(t, err)
	require.Equal(t, "/a.txt", item.APIPath)
	require.Equal(t, int64(42), item.Size)
}

func TestRemoveFileMapsKnownErrorCode(t *testing.T) {
	p := newTestProvider(t, fakeHandler(t))
	err := p.RemoveFile(context.Background(), "/missing.txt")
	require.Error(t, err)
	require.ErrorIs(t, err, rerrors.New(rerrors.ItemNotFound))
}

func TestNameReturnsConfiguredPeerName(t *testing.T) {
	p := newTestProvider(t, fakeHandler(t))
	require.Equal(t, "peer-a", p.Name())
}

func TestConfigJSONIncludesPeerName(t *testing.T) {
	p := newTestProvider(t, fakeHandler(t))
	data, err := p.ConfigJSON()
	require.NoError(t, err)
	require.Contains(t, string(data), "peer-a")
}
