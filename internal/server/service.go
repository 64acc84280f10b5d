// gRPC service descriptor and client for the DocStore service
package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "docstore.v1.DocStore"

// Method names of the DocStore service
const (
	MethodCreateIndex = "CreateIndex"
	MethodDropIndex   = "DropIndex"
	MethodListIndexes = "ListIndexes"
	MethodInsert      = "Insert"
	MethodDelete      = "Delete"
	MethodLookup      = "Lookup"
	MethodRange       = "Range"
	MethodNear        = "Near"
	MethodWithin      = "Within"
	MethodCompact     = "Compact"
	MethodStats       = "Stats"
)

// DocStoreServer is the server API for the DocStore service.
// Every method takes and returns a Struct payload.
type DocStoreServer interface {
	CreateIndex(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DropIndex(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListIndexes(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Insert(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Lookup(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Range(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Near(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Within(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Compact(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stats(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(DocStoreServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DocStoreServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod(method),
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(DocStoreServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ServiceDesc describes the DocStore service for grpc.Server registration
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DocStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodCreateIndex, Handler: unaryHandler(MethodCreateIndex, DocStoreServer.CreateIndex)},
		{MethodName: MethodDropIndex, Handler: unaryHandler(MethodDropIndex, DocStoreServer.DropIndex)},
		{MethodName: MethodListIndexes, Handler: unaryHandler(MethodListIndexes, DocStoreServer.ListIndexes)},
		{MethodName: MethodInsert, Handler: unaryHandler(MethodInsert, DocStoreServer.Insert)},
		{MethodName: MethodDelete, Handler: unaryHandler(MethodDelete, DocStoreServer.Delete)},
		{MethodName: MethodLookup, Handler: unaryHandler(MethodLookup, DocStoreServer.Lookup)},
		{MethodName: MethodRange, Handler: unaryHandler(MethodRange, DocStoreServer.Range)},
		{MethodName: MethodNear, Handler: unaryHandler(MethodNear, DocStoreServer.Near)},
		{MethodName: MethodWithin, Handler: unaryHandler(MethodWithin, DocStoreServer.Within)},
		{MethodName: MethodCompact, Handler: unaryHandler(MethodCompact, DocStoreServer.Compact)},
		{MethodName: MethodStats, Handler: unaryHandler(MethodStats, DocStoreServer.Stats)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: ProtoFile,
}

// RegisterDocStoreServer registers srv with s
func RegisterDocStoreServer(s grpc.ServiceRegistrar, srv DocStoreServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls the DocStore service over a client connection
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes method with req
func (c *Client) Call(ctx context.Context, method string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if req == nil {
		req = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
