// Package feed exposes encounter events to observers over gRPC. Messages are
// protobuf Structs, so no generated stubs are needed on either side.
package feed

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"monsterhunt/arengine/internal/events"
	"monsterhunt/arengine/internal/logging"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName    = "arengine.v1.EncounterFeed"
	snapshotMethod = "/" + ServiceName + "/Snapshot"
	watchMethod    = "/" + ServiceName + "/Watch"

	defaultBuffer = 64
)

// Source is the event log the feed reads from.
type Source interface {
	Latest(sessionID string) (*events.Envelope, bool)
	Subscribe(ctx context.Context, subscriberID string, buffer int) (*events.Subscription, error)
}

// FeedServer is the server contract registered with ServiceDesc.
type FeedServer interface {
	Snapshot(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// Option customises the behaviour of the feed service.
type Option func(*Service)

// WithBuffer sizes the per-watcher delivery buffer.
func WithBuffer(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.buffer = size
		}
	}
}

// WithLogger overrides the service logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.log = logger
		}
	}
}

// Service implements FeedServer on top of an events stream.
type Service struct {
	source Source
	buffer int
	log    *logging.Logger
}

// NewService wires the feed to its source.
func NewService(source Source, opts ...Option) *Service {
	service := &Service{source: source, buffer: defaultBuffer, log: logging.L()}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service
}

// Register attaches the feed to a gRPC server.
func Register(server grpc.ServiceRegistrar, service FeedServer) {
	server.RegisterService(&ServiceDesc, service)
}

// Snapshot returns the newest snapshot of {session_id}.
func (s *Service) Snapshot(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s == nil || s.source == nil {
		return nil, status.Error(codes.FailedPrecondition, "feed unavailable")
	}
	sessionID := stringField(req, "session_id")
	if sessionID == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id is required")
	}
	envelope, ok := s.source.Latest(sessionID)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no snapshot for session %q", sessionID)
	}
	return envelopeStruct(envelope), nil
}

// Watch streams events, optionally filtered to {session_id}. Passing a
// {subscriber_id} resumes after the last event that subscriber received.
func (s *Service) Watch(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if s == nil || s.source == nil {
		return status.Error(codes.FailedPrecondition, "feed unavailable")
	}
	ctx := stream.Context()
	sessionID := stringField(req, "session_id")
	subscriberID := stringField(req, "subscriber_id")
	ephemeral := subscriberID == ""
	if ephemeral {
		subscriberID = "watch-" + uuid.NewString()
	}

	//1.- Subscribe first so the retained tail is replayed before live events.
	sub, err := s.source.Subscribe(ctx, subscriberID, s.buffer)
	if err != nil {
		if errors.Is(err, events.ErrStreamClosed) {
			return status.Error(codes.Unavailable, "feed closed")
		}
		return status.Errorf(codes.Internal, "subscribe: %v", err)
	}
	//2.- Anonymous watchers cannot resume, so their state goes with them.
	if ephemeral {
		defer sub.Drop()
	} else {
		defer sub.Close()
	}
	logger := s.log.With(logging.String("subscriber_id", subscriberID), logging.SessionID(sessionID))
	logger.Debug("feed watcher attached")

	for {
		select {
		case <-ctx.Done():
			//3.- Surface context cancellation so clients can retry.
			if errors.Is(ctx.Err(), context.Canceled) {
				return status.Error(codes.Canceled, "stream cancelled")
			}
			return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
		case <-sub.Done():
			return nil
		case envelope := <-sub.Events():
			if envelope == nil {
				continue
			}
			if sessionID == "" || envelope.SessionID == sessionID {
				if err := stream.Send(envelopeStruct(envelope)); err != nil {
					return err
				}
			}
			//4.- A skipped live delivery leaves a gap; it is replayed on the next subscribe.
			if err := sub.Ack(envelope.Sequence); err != nil && !errors.Is(err, events.ErrOutOfOrderAck) {
				logger.Warn("feed ack failed", logging.Error(err))
			}
		}
	}
}

func envelopeStruct(envelope *events.Envelope) *structpb.Struct {
	payload := envelope.Payload
	if payload == nil {
		payload = &structpb.Struct{}
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"sequence":   structpb.NewNumberValue(float64(envelope.Sequence)),
		"kind":       structpb.NewStringValue(string(envelope.Kind)),
		"session_id": structpb.NewStringValue(envelope.SessionID),
		"payload":    structpb.NewStructValue(payload),
	}}
}

func stringField(msg *structpb.Struct, key string) string {
	return strings.TrimSpace(msg.GetFields()[key].GetStringValue())
}

// ServiceDesc declares the feed without generated code.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FeedServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Snapshot", Handler: snapshotHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "arengine/v1/feed.proto",
}

func snapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FeedServer).Snapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: snapshotMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FeedServer).Snapshot(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(FeedServer).Watch(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

var _ FeedServer = (*Service)(nil)
