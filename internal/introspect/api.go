// Package introspect serves a read-mostly gRPC view of a running network:
// neighbour and link queries, node states, path lookups, graph export and
// switch reboots. Messages travel as JSON over the codec registered by
// cpproto, so the service is described by hand rather than generated.
package introspect

import (
	"context"

	"google.golang.org/grpc"

	"github.com/signalsfoundry/p4net/internal/cpproto"
)

const ServiceName = "p4net.api.v1.Topology"

//
// ---------- Messages ----------
//

type ListNodesRequest struct{}

type ListNodesResponse struct {
	Hosts    []string `json:"hosts"`
	Switches []string `json:"switches"`
}

type NodeRequest struct {
	Node string `json:"node"`
}

type NeighborsResponse struct {
	Node      string   `json:"node"`
	Neighbors []string `json:"neighbors"`
}

// LinkInfo describes one link as seen from the node that was asked about:
// the "local" end is always that node.
type LinkInfo struct {
	ID          string  `json:"id"`
	LocalIntf   string  `json:"local_intf"`
	LocalPort   int     `json:"local_port"`
	Peer        string  `json:"peer"`
	PeerIntf    string  `json:"peer_intf"`
	PeerPort    int     `json:"peer_port"`
	Live        bool    `json:"live"`
	Bandwidth   float64 `json:"bw,omitempty"`
	Delay       string  `json:"delay,omitempty"`
	LossPercent float64 `json:"loss,omitempty"`
	Weight      int     `json:"weight,omitempty"`
}

type LinksOfResponse struct {
	Node  string     `json:"node"`
	Links []LinkInfo `json:"links"`
}

type NodeStateResponse struct {
	Node    string `json:"node"`
	Kind    string `json:"kind"`
	State   string `json:"state"`
	Error   string `json:"error,omitempty"`
	Program string `json:"program,omitempty"`
}

type PathRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type PathResponse struct {
	Nodes []string `json:"nodes"`
}

// Export formats.
const (
	FormatNodeLink = "node-link"
	FormatDOT      = "dot"
)

type ExportGraphRequest struct {
	Format string `json:"format,omitempty"`
}

type ExportGraphResponse struct {
	Format string `json:"format"`
	Data   string `json:"data"`
}

type RebootRequest struct {
	Node    string `json:"node"`
	Program string `json:"program,omitempty"`
}

//
// ---------- Service description ----------
//

// TopologyServer is the server API for the Topology service.
type TopologyServer interface {
	ListNodes(context.Context, *ListNodesRequest) (*ListNodesResponse, error)
	Neighbors(context.Context, *NodeRequest) (*NeighborsResponse, error)
	LinksOf(context.Context, *NodeRequest) (*LinksOfResponse, error)
	NodeState(context.Context, *NodeRequest) (*NodeStateResponse, error)
	ShortestPath(context.Context, *PathRequest) (*PathResponse, error)
	ExportGraph(context.Context, *ExportGraphRequest) (*ExportGraphResponse, error)
	Reboot(context.Context, *RebootRequest) (*NodeStateResponse, error)
}

func unary[Req, Resp any](name string, call func(TopologyServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(TopologyServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(TopologyServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc is the grpc.ServiceDesc for the Topology service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TopologyServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("ListNodes", TopologyServer.ListNodes),
		unary("Neighbors", TopologyServer.Neighbors),
		unary("LinksOf", TopologyServer.LinksOf),
		unary("NodeState", TopologyServer.NodeState),
		unary("ShortestPath", TopologyServer.ShortestPath),
		unary("ExportGraph", TopologyServer.ExportGraph),
		unary("Reboot", TopologyServer.Reboot),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "p4net/api/v1/topology.proto",
}

// RegisterTopologyServer registers srv on s.
func RegisterTopologyServer(s grpc.ServiceRegistrar, srv TopologyServer) {
	s.RegisterService(&ServiceDesc, srv)
}

//
// ---------- Client ----------
//

// TopologyClient calls the Topology service over the JSON codec.
type TopologyClient struct {
	cc grpc.ClientConnInterface
}

func NewTopologyClient(cc grpc.ClientConnInterface) *TopologyClient {
	return &TopologyClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(cpproto.CodecName)}, opts...)
	if err := cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *TopologyClient) ListNodes(ctx context.Context, in *ListNodesRequest, opts ...grpc.CallOption) (*ListNodesResponse, error) {
	return invoke[ListNodesResponse](ctx, c.cc, "ListNodes", in, opts)
}

func (c *TopologyClient) Neighbors(ctx context.Context, in *NodeRequest, opts ...grpc.CallOption) (*NeighborsResponse, error) {
	return invoke[NeighborsResponse](ctx, c.cc, "Neighbors", in, opts)
}

func (c *TopologyClient) LinksOf(ctx context.Context, in *NodeRequest, opts ...grpc.CallOption) (*LinksOfResponse, error) {
	return invoke[LinksOfResponse](ctx, c.cc, "LinksOf", in, opts)
}

func (c *TopologyClient) NodeState(ctx context.Context, in *NodeRequest, opts ...grpc.CallOption) (*NodeStateResponse, error) {
	return invoke[NodeStateResponse](ctx, c.cc, "NodeState", in, opts)
}

func (c *TopologyClient) ShortestPath(ctx context.Context, in *PathRequest, opts ...grpc.CallOption) (*PathResponse, error) {
	return invoke[PathResponse](ctx, c.cc, "ShortestPath", in, opts)
}

func (c *TopologyClient) ExportGraph(ctx context.Context, in *ExportGraphRequest, opts ...grpc.CallOption) (*ExportGraphResponse, error) {
	return invoke[ExportGraphResponse](ctx, c.cc, "ExportGraph", in, opts)
}

func (c *TopologyClient) Reboot(ctx context.Context, in *RebootRequest, opts ...grpc.CallOption) (*NodeStateResponse, error) {
	return invoke[NodeStateResponse](ctx, c.cc, "Reboot", in, opts)
}
