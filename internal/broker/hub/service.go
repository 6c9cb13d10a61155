package hub

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "cauldron.hub.v1.EventHub"

	publishMethod   = "/" + ServiceName + "/Publish"
	subscribeMethod = "/" + ServiceName + "/Subscribe"
)

// Field names carried in the structpb.Struct messages.
const (
	FieldTopic      = "topic"
	FieldEnvelope   = "envelope"
	FieldSubscriber = "subscriber"
	FieldSeq        = "seq"
	FieldEpoch      = "epoch"
	FieldAfter      = "after"
)

// EventHubServer is the server API of the event hub.
type EventHubServer interface {
	// Publish takes {topic, envelope} where envelope is the JSON encoded
	// message envelope.
	Publish(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	// Subscribe takes {topic, subscriber, epoch, after} and streams
	// {seq, epoch, envelope} deliveries.
	Subscribe(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

func RegisterEventHubServer(s grpc.ServiceRegistrar, srv EventHubServer) {
	s.RegisterService(&EventHub_ServiceDesc, srv)
}

func _EventHub_Publish_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EventHubServer).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: publishMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EventHubServer).Publish(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _EventHub_Subscribe_Handler(srv any, stream grpc.ServerStream) error {
	m := new(structpb.Struct)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(EventHubServer).Subscribe(m, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// EventHub_ServiceDesc describes the hub without generated code. Messages
// are protobuf well-known types.
var EventHub_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EventHubServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Publish",
			Handler:    _EventHub_Publish_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       _EventHub_Subscribe_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "cauldron/hub/v1/hub.proto",
}

// Client is the client side of the hub.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Publish(ctx context.Context, topic string, envelope []byte, opts ...grpc.CallOption) error {
	in, err := structpb.NewStruct(map[string]any{
		FieldTopic:    topic,
		FieldEnvelope: string(envelope),
	})
	if err != nil {
		return fmt.Errorf("build publish request: %w", err)
	}
	out := new(emptypb.Empty)
	return c.cc.Invoke(ctx, publishMethod, in, out, opts...)
}

// Resume tells Subscribe where to start. The zero value starts at the hub's
// cursor for the subscriber name, or at the tail for a name it has not seen.
type Resume struct {
	// Epoch is the hub epoch of the last handled delivery.
	Epoch string
	// After is the sequence of the last handled delivery.
	After uint64
}

// Delivery is one envelope received from a Subscribe stream.
type Delivery struct {
	Seq      uint64
	Epoch    string
	Envelope []byte
}

// Resume returns the position right after d.
func (d Delivery) Resume() Resume {
	return Resume{Epoch: d.Epoch, After: d.Seq}
}

// DecodeDelivery reads a message received from a Subscribe stream.
func DecodeDelivery(m *structpb.Struct) (Delivery, error) {
	fields := m.GetFields()
	d := Delivery{
		Seq:      uint64(fields[FieldSeq].GetNumberValue()),
		Epoch:    fields[FieldEpoch].GetStringValue(),
		Envelope: []byte(fields[FieldEnvelope].GetStringValue()),
	}
	if d.Seq == 0 || len(d.Envelope) == 0 {
		return Delivery{}, fmt.Errorf("malformed delivery: seq %d, %d envelope bytes", d.Seq, len(d.Envelope))
	}
	return d, nil
}

func (c *Client) Subscribe(ctx context.Context, topic, subscriber string, from Resume, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	req := map[string]any{
		FieldTopic:      topic,
		FieldSubscriber: subscriber,
	}
	if from.Epoch != "" {
		req[FieldEpoch] = from.Epoch
		req[FieldAfter] = float64(from.After)
	}
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("build subscribe request: %w", err)
	}
	stream, err := c.cc.NewStream(ctx, &EventHub_ServiceDesc.Streams[0], subscribeMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
