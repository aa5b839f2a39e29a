package feed

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the feed over an established connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Snapshot fetches the newest snapshot of sessionID.
func (c *Client) Snapshot(ctx context.Context, sessionID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{"session_id": structpb.NewStringValue(sessionID)}}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, snapshotMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Watch opens an event stream. Empty sessionID watches every session; an
// empty subscriberID gets a fresh, non-resumable subscription.
func (c *Client) Watch(ctx context.Context, sessionID, subscriberID string, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], watchMethod, opts...)
	if err != nil {
		return nil, err
	}
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"session_id":    structpb.NewStringValue(sessionID),
		"subscriber_id": structpb.NewStringValue(subscriberID),
	}}
	watcher := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	//1.- io.EOF means the server already ended the call; Recv surfaces its status.
	if err := watcher.ClientStream.SendMsg(req); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := watcher.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return watcher, nil
}
