package grpcfabric

import (
	"context"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/dmikushin/circle-go/wire"
)

const exchangeMethod = "/circlepb.Fabric/Exchange"
const barrierMethod = "/circlepb.Fabric/Barrier"
const reduceMethod = "/circlepb.Fabric/Reduce"

// exchangeStreamDesc describes the bidirectional streaming method that
// carries application-level wire.Envelope frames between two ranks. Each
// message on the stream is a wrapperspb.BytesValue wrapping one
// wire.Marshal-encoded frame: this repository defines its own framing
// rather than a generated protobuf schema, so the well-known
// BytesValue type is reused as a plain opaque-bytes envelope instead of
// generating one.
var exchangeStreamDesc = grpc.StreamDesc{
	StreamName:    "Exchange",
	ServerStreams: true,
	ClientStreams: true,
}

// fabricServiceDesc builds the grpc.ServiceDesc for one Fabric instance,
// hand-authored in the shape protoc-gen-go-grpc would otherwise generate.
// Every decoded inbound Exchange frame is delivered to f's inbox; f.root,
// if non-nil (only true on rank 0), services Barrier/Reduce RPCs from every
// peer.
func fabricServiceDesc(f *Fabric) grpc.ServiceDesc {
	return grpc.ServiceDesc{
		ServiceName: "circlepb.Fabric",
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName: "Exchange",
			Handler: func(_ any, stream grpc.ServerStream) error {
				return f.serveExchange(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		}},
		Methods: []grpc.MethodDesc{
			{MethodName: "Barrier", Handler: f.serveBarrier},
			{MethodName: "Reduce", Handler: f.serveReduce},
		},
	}
}

func (f *Fabric) serveExchange(stream grpc.ServerStream) error {
	for {
		var msg wrapperspb.BytesValue
		if err := stream.RecvMsg(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		env, err := wire.Unmarshal(msg.Value)
		if err != nil {
			// Log and drop rather than tearing down the stream over
			// one bad frame.
			if f.log != nil {
				f.log.Err().Err(err).Log("grpcfabric: dropping malformed frame")
			}
			continue
		}
		select {
		case <-f.done:
			return nil
		case f.inbox <- env:
		}
	}
}

func (f *Fabric) serveBarrier(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var req emptypb.Empty
	if err := dec(&req); err != nil {
		return nil, err
	}
	if f.root == nil {
		return nil, errNotRoot
	}
	if err := f.root.Barrier(ctx); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func (f *Fabric) serveReduce(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var req wrapperspb.Int64Value
	if err := dec(&req); err != nil {
		return nil, err
	}
	if f.root == nil {
		return nil, errNotRoot
	}
	sum, err := f.root.Reduce(ctx, req.Value, false)
	if err != nil {
		return nil, err
	}
	return &wrapperspb.Int64Value{Value: sum}, nil
}
