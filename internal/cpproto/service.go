package cpproto

import "google.golang.org/grpc"

const (
	ServiceName   = "p4net.runtime.v1.SwitchRuntime"
	SessionMethod = "/" + ServiceName + "/Session"
)

// RuntimeServer is implemented by switch runtimes. Session owns the stream
// until it returns.
type RuntimeServer interface {
	Session(stream grpc.ServerStream) error
}

func sessionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(RuntimeServer).Session(stream)
}

// ServiceDesc is the grpc.ServiceDesc for the SwitchRuntime service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RuntimeServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       sessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "p4net/runtime/v1/runtime.proto",
}

// SessionStreamDesc is the client-side descriptor of the Session stream.
var SessionStreamDesc = &ServiceDesc.Streams[0]

// RegisterRuntimeServer registers srv on s.
func RegisterRuntimeServer(s grpc.ServiceRegistrar, srv RuntimeServer) {
	s.RegisterService(&ServiceDesc, srv)
}
