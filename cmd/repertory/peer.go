package main

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/repertory-go/repertory/internal/packet"
	"github.com/repertory-go/repertory/internal/provider"
	"github.com/repertory-go/repertory/internal/rerrors"
)

// peerRequest/peerResponse mirror internal/provider/remote's wire
// envelope exactly (op name + JSON args in, err string + JSON result
// out) so a repertory instance started with packet_listen_addr can
// serve another instance's provider/remote.Provider client.
type peerRequest struct {
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args"`
}

type peerResponse struct {
	Err    string          `json:"err,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// peerHandler dispatches decoded packet requests to prov, the
// provider this instance is itself mounting, so a remote peer sees
// exactly the same Provider surface a local FUSE mount would.
func peerHandler(prov provider.Provider) packet.Handler {
	return func(threadID uint64, payload []byte) []byte {
		ctx := context.Background()

		var req peerRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return encodeErr(err.Error())
		}

		switch req.Op {
		case "CheckVersion":
			if err := prov.CheckVersion(ctx); err != nil {
				return encodeErr(err.Error())
			}
			return encodeResult(nil)

		case "GetItem":
			var args struct{ APIPath string }
			if err := json.Unmarshal(req.Args, &args); err != nil {
				return encodeErr(err.Error())
			}
			item, err := prov.GetItem(ctx, args.APIPath)
			if err != nil {
				return encodeErr(err.Error())
			}
			return encodeResult(item)

		case "GetItemList":
			var args struct{ APIPath string }
			if err := json.Unmarshal(req.Args, &args); err != nil {
				return encodeErr(err.Error())
			}
			items, err := prov.GetItemList(ctx, args.APIPath)
			if err != nil {
				return encodeErr(err.Error())
			}
			return encodeResult(items)

		case "CreateDirectory":
			var args struct{ APIPath string }
			if err := json.Unmarshal(req.Args, &args); err != nil {
				return encodeErr(err.Error())
			}
			if err := prov.CreateDirectory(ctx, args.APIPath); err != nil {
				return encodeErr(err.Error())
			}
			return encodeResult(nil)

		case "RemoveDirectory":
			var args struct{ APIPath string }
			if err := json.Unmarshal(req.Args, &args); err != nil {
				return encodeErr(err.Error())
			}
			if err := prov.RemoveDirectory(ctx, args.APIPath); err != nil {
				return encodeErr(err.Error())
			}
			return encodeResult(nil)

		case "RemoveFile":
			var args struct{ APIPath string }
			if err := json.Unmarshal(req.Args, &args); err != nil {
				return encodeErr(err.Error())
			}
			if err := prov.RemoveFile(ctx, args.APIPath); err != nil {
				return encodeErr(err.Error())
			}
			return encodeResult(nil)

		case "RenameFile":
			var args struct{ From, To string }
			if err := json.Unmarshal(req.Args, &args); err != nil {
				return encodeErr(err.Error())
			}
			if err := prov.RenameFile(ctx, args.From, args.To); err != nil {
				return encodeErr(err.Error())
			}
			return encodeResult(nil)

		case "ReadChunk":
			var args struct {
				APIPath string
				Offset  int64
				Size    int64
			}
			if err := json.Unmarshal(req.Args, &args); err != nil {
				return encodeErr(err.Error())
			}
			data, err := prov.ReadChunk(ctx, args.APIPath, args.Offset, args.Size)
			if err != nil {
				return encodeErr(err.Error())
			}
			return encodeResult(data)

		case "UploadFile":
			var args struct {
				APIPath string
				Data    []byte
				Size    int64
			}
			if err := json.Unmarshal(req.Args, &args); err != nil {
				return encodeErr(err.Error())
			}
			if err := prov.UploadFile(ctx, args.APIPath, bytes.NewReader(args.Data), args.Size); err != nil {
				return encodeErr(err.Error())
			}
			return encodeResult(nil)

		default:
			return encodeErr(string(rerrors.NotImplemented))
		}
	}
}

func encodeErr(msg string) []byte {
	out, _ := json.Marshal(peerResponse{Err: msg})
	return out
}

func encodeResult(v any) []byte {
	if v == nil {
		out, _ := json.Marshal(peerResponse{})
		return out
	}
	result, err := json.Marshal(v)
	if err != nil {
		return encodeErr(err.Error())
	}
	out, _ := json.Marshal(peerResponse{Result: result})
	return out
}
