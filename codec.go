package alpha

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
)

const (
	// TxEventServiceName is the gRPC service clients stream events to.
	TxEventServiceName = "saga.TxEventService"
	// CallbackCommandMethod is the full name of the duplex event stream.
	CallbackCommandMethod = "/saga.TxEventService/CallbackCommand"
)

// Field numbers of the TxEvent message.
const (
	eventTimestampField          protowire.Number = 1
	eventGlobalTxIDField         protowire.Number = 2
	eventLocalTxIDField          protowire.Number = 3
	eventParentTxIDField         protowire.Number = 4
	eventTypeField               protowire.Number = 5
	eventCompensationMethodField protowire.Number = 6
	eventPayloadsField           protowire.Number = 7
	eventServiceNameField        protowire.Number = 8
	eventInstanceIDField         protowire.Number = 9
)

// Field numbers of the Command message.
const (
	commandGlobalTxIDField       protowire.Number = 1
	commandLocalTxIDField        protowire.Number = 2
	commandParentTxIDField       protowire.Number = 3
	commandCompensateMethodField protowire.Number = 4
	commandPayloadsField         protowire.Number = 5
)

// Codec encodes TxEvent and Command in protobuf wire format. Any other
// proto.Message, such as health checks sharing the server, goes through
// the regular protobuf encoding.
type Codec struct{}

// Name implements encoding.Codec.
func (Codec) Name() string {
	return "proto"
}

// Marshal implements encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *TxEvent:
		return MarshalEvent(m), nil
	case *Command:
		return MarshalCommand(m), nil
	case proto.Message:
		return proto.Marshal(m)
	default:
		return nil, fmt.Errorf("codec: cannot marshal %T", v)
	}
}

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *TxEvent:
		return UnmarshalEvent(data, m)
	case *Command:
		return UnmarshalCommand(data, m)
	case proto.Message:
		return proto.Unmarshal(data, m)
	default:
		return fmt.Errorf("codec: cannot unmarshal into %T", v)
	}
}

// MarshalEvent encodes an event. Seq is local to the coordinator and not
// sent.
func MarshalEvent(e *TxEvent) []byte {
	var b []byte
	if !e.Timestamp.IsZero() {
		b = protowire.AppendTag(b, eventTimestampField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Timestamp.UnixMilli()))
	}
	b = appendString(b, eventGlobalTxIDField, e.GlobalTxID)
	b = appendString(b, eventLocalTxIDField, e.LocalTxID)
	b = appendString(b, eventParentTxIDField, e.ParentTxID)
	if e.Type != EventUnknown {
		b = appendString(b, eventTypeField, e.Type.String())
	}
	b = appendString(b, eventCompensationMethodField, e.CompensationMethod)
	b = appendBytes(b, eventPayloadsField, e.Payload)
	b = appendString(b, eventServiceNameField, e.ServiceName)
	b = appendString(b, eventInstanceIDField, e.InstanceID)
	return b
}

// UnmarshalEvent decodes an event. An unrecognized type name leaves the
// type EventUnknown so that validation, not decoding, rejects the event.
func UnmarshalEvent(data []byte, e *TxEvent) error {
	*e = TxEvent{}
	return consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == eventTimestampField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n
			}
			if v != 0 {
				e.Timestamp = time.UnixMilli(int64(v)).UTC()
			}
			return n
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			switch num {
			case eventGlobalTxIDField:
				e.GlobalTxID = string(v)
			case eventLocalTxIDField:
				e.LocalTxID = string(v)
			case eventParentTxIDField:
				e.ParentTxID = string(v)
			case eventTypeField:
				t, err := ParseEventType(string(v))
				if err != nil {
					t = EventUnknown
				}
				e.Type = t
			case eventCompensationMethodField:
				e.CompensationMethod = string(v)
			case eventPayloadsField:
				e.Payload = append([]byte(nil), v...)
			case eventServiceNameField:
				e.ServiceName = string(v)
			case eventInstanceIDField:
				e.InstanceID = string(v)
			}
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
}

// MarshalCommand encodes a compensation command.
func MarshalCommand(c *Command) []byte {
	var b []byte
	b = appendString(b, commandGlobalTxIDField, c.GlobalTxID)
	b = appendString(b, commandLocalTxIDField, c.LocalTxID)
	b = appendString(b, commandParentTxIDField, c.ParentTxID)
	b = appendString(b, commandCompensateMethodField, c.CompensationMethod)
	b = appendBytes(b, commandPayloadsField, c.Payload)
	return b
}

// UnmarshalCommand decodes a compensation command.
func UnmarshalCommand(data []byte, c *Command) error {
	*c = Command{}
	return consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		switch num {
		case commandGlobalTxIDField:
			c.GlobalTxID = string(v)
		case commandLocalTxIDField:
			c.LocalTxID = string(v)
		case commandParentTxIDField:
			c.ParentTxID = string(v)
		case commandCompensateMethodField:
			c.CompensationMethod = string(v)
		case commandPayloadsField:
			c.Payload = append([]byte(nil), v...)
		}
		return n
	})
}

// consumeFields walks the fields of a message. field consumes one value and
// returns its length or a negative protowire error code.
func consumeFields(data []byte, field func(protowire.Number, protowire.Type, []byte) int) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("codec: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		n = field(num, typ, data)
		if n < 0 {
			return fmt.Errorf("codec: bad field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]
	}
	return nil
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// TxEventServiceServer is the server side of the event stream.
type TxEventServiceServer interface {
	CallbackCommand(stream grpc.ServerStream) error
}

var txEventServiceDesc = grpc.ServiceDesc{
	ServiceName: TxEventServiceName,
	HandlerType: (*TxEventServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "CallbackCommand",
			Handler:       callbackCommandHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "saga.proto",
}

func callbackCommandHandler(srv any, stream grpc.ServerStream) error {
	return srv.(TxEventServiceServer).CallbackCommand(stream)
}

// RegisterTxEventServiceServer registers srv with s.
func RegisterTxEventServiceServer(s grpc.ServiceRegistrar, srv TxEventServiceServer) {
	s.RegisterService(&txEventServiceDesc, srv)
}

// NewCallbackCommandStream opens the event stream on cc. Events go out with
// SendMsg(*TxEvent) and commands come back with RecvMsg(*Command).
func NewCallbackCommandStream(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	opts = append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
	return cc.NewStream(ctx, &txEventServiceDesc.Streams[0], CallbackCommandMethod, opts...)
}
