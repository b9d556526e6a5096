// Package remote implements provider.Provider by dialing another
// repertory instance's internal/packet server, the peer-to-peer
// backend spec.md §4.8 calls out alongside S3 and Sia. It is grounded
// on the teacher's RC (remote control) JSON envelope convention
// (fs/rc's Params map[string]interface{} request/response shape) for
// the request/response encoding, layered on top of internal/packet's
// framing rather than rclone's HTTP-based rc transport, since spec.md
// §4.9 mandates the length-prefixed nonce-bound protocol for all
// inter-instance traffic.
package remote

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/repertory-go/repertory/internal/packet"
	"github.com/repertory-go/repertory/internal/provider"
	"github.com/repertory-go/repertory/internal/rerrors"
)

// request is the envelope every remote provider call sends: Op names
// the provider method, Args carries its JSON-encoded arguments.
type request struct {
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args"`
}

// response is the envelope every call receives back. Err is a plain
// string (not rerrors.Error) since it crosses a process boundary.
type response struct {
	Err    string          `json:"err,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Provider implements provider.Provider over a packet.Client. Every
// call is issued on threadID 0: the remote provider speaks for a
// whole backing repertory instance rather than one FUSE handle, so
// there is no handle-affinity requirement to preserve across calls.
type Provider struct {
	client *packet.Client
	name   string
}

// New wraps an already-constructed packet.Client. name identifies the
// peer for logging/events (spec.md's provider Name()).
func New(client *packet.Client, name string) *Provider {
	return &Provider{client: client, name: name}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) call(ctx context.Context, op string, args, out any) error {
	argBytes, err := json.Marshal(args)
	if err != nil {
		return rerrors.Wrap(rerrors.Error, err)
	}
	reqBytes, err := json.Marshal(request{Op: op, Args: argBytes})
	if err != nil {
		return rerrors.Wrap(rerrors.Error, err)
	}

	ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()
	respBytes, err := p.client.Call(ctx, 0, reqBytes)
	if err != nil {
		return rerrors.Wrap(rerrors.CommError, err)
	}

	var resp response
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return rerrors.Wrap(rerrors.CommError, err)
	}
	if resp.Err != "" {
		return mapRemoteErr(resp.Err)
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

// mapRemoteErr maps a handful of well-known error strings back to
// rerrors codes so callers can branch on them the same way they would
// against a local provider; anything unrecognized is wrapped generic.
func mapRemoteErr(msg string) error {
	switch msg {
	case string(rerrors.ItemNotFound):
		return rerrors.New(rerrors.ItemNotFound)
	case string(rerrors.ItemExists):
		return rerrors.New(rerrors.ItemExists)
	case string(rerrors.DirectoryNotEmpty):
		return rerrors.New(rerrors.DirectoryNotEmpty)
	default:
		return rerrors.Wrap(rerrors.CommError, errString(msg))
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func (p *Provider) CheckVersion(ctx context.Context) error {
	return p.call(ctx, "CheckVersion", struct{}{}, nil)
}

func (p *Provider) GetItem(ctx context.Context, apiPath string) (provider.Item, error) {
	var item provider.Item
	err := p.call(ctx, "GetItem", struct{ APIPath string }{apiPath}, &item)
	return item, err
}

func (p *Provider) GetItemList(ctx context.Context, apiPath string) ([]provider.Item, error) {
	var items []provider.Item
	err := p.call(ctx, "GetItemList", struct{ APIPath string }{apiPath}, &items)
	return items, err
}

func (p *Provider) CreateDirectory(ctx context.Context, apiPath string) error {
	return p.call(ctx, "CreateDirectory", struct{ APIPath string }{apiPath}, nil)
}

func (p *Provider) RemoveDirectory(ctx context.Context, apiPath string) error {
	return p.call(ctx, "RemoveDirectory", struct{ APIPath string }{apiPath}, nil)
}

func (p *Provider) RemoveFile(ctx context.Context, apiPath string) error {
	return p.call(ctx, "RemoveFile", struct{ APIPath string }{apiPath}, nil)
}

func (p *Provider) RenameFile(ctx context.Context, from, to string) error {
	return p.call(ctx, "RenameFile", struct{ From, To string }{from, to}, nil)
}

func (p *Provider) ReadChunk(ctx context.Context, apiPath string, offset, size int64) ([]byte, error) {
	var data []byte
	err := p.call(ctx, "ReadChunk", struct {
		APIPath string
		Offset  int64
		Size    int64
	}{apiPath, offset, size}, &data)
	return data, err
}

func (p *Provider) UploadFile(ctx context.Context, apiPath string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return rerrors.Wrap(rerrors.OSError, err)
	}
	return p.call(ctx, "UploadFile", struct {
		APIPath string
		Data    []byte
		Size    int64
	}{apiPath, data, size}, nil)
}

// ConfigJSON satisfies provider.RemoteJSON for diagnostics, reporting
// the peer's identity and the call timeout currently in effect.
func (p *Provider) ConfigJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name    string `json:"name"`
		Timeout string `json:"default_timeout"`
	}{p.name, defaultCallTimeout.String()})
}

const defaultCallTimeout = 30 * time.Second

var _ provider.Provider = (*Provider)(nil)
var _ provider.RemoteJSON = (*Provider)(nil)
