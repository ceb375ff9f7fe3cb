package cqrpc

import "google.golang.org/protobuf/proto"

// Marshaller converts between a message type and its wire bytes.
type Marshaller[T any] struct {
	Serialize   func(T) ([]byte, error)
	Deserialize func([]byte) (T, error)
}

// ProtoMarshaller builds a Marshaller for a generated protobuf message.
func ProtoMarshaller[T any, PT interface {
	proto.Message
	*T
}]() Marshaller[PT] {
	return Marshaller[PT]{
		Serialize: func(m PT) ([]byte, error) {
			b, err := proto.Marshal(m)
			if err != nil {
				return nil, &CodecError{Err: err}
			}
			return b, nil
		},
		Deserialize: func(b []byte) (PT, error) {
			m := PT(new(T))
			if err := proto.Unmarshal(b, m); err != nil {
				return nil, &CodecError{Err: err}
			}
			return m, nil
		},
	}
}

// BytesMarshaller passes message bytes through untouched.
func BytesMarshaller() Marshaller[[]byte] {
	return Marshaller[[]byte]{
		Serialize:   func(b []byte) ([]byte, error) { return b, nil },
		Deserialize: func(b []byte) ([]byte, error) { return b, nil },
	}
}

// MethodShape is the streaming shape of an RPC method.
type MethodShape uint8

const (
	Unary MethodShape = iota
	ClientStreaming
	ServerStreaming
	Duplex
)

func (s MethodShape) String() string {
	switch s {
	case Unary:
		return "unary"
	case ClientStreaming:
		return "client streaming"
	case ServerStreaming:
		return "server streaming"
	case Duplex:
		return "duplex"
	default:
		return "unknown"
	}
}

// Method describes one RPC method: its full name (e.g.
// "/routeguide.RouteGuide/RecordRoute"), shape, and codecs.
type Method[Req, Resp any] struct {
	Req   Marshaller[Req]
	Resp  Marshaller[Resp]
	Name  string
	Shape MethodShape
}
