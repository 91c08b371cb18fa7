package introspect

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/p4net/core"
	"github.com/signalsfoundry/p4net/internal/logging"
	"github.com/signalsfoundry/p4net/internal/network"
	"github.com/signalsfoundry/p4net/internal/observability"
)

// Server implements TopologyServer over a built network.
type Server struct {
	net *network.Network
	log logging.Logger
}

func NewServer(n *network.Network, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	return &Server{net: n, log: log}
}

// NewGRPCServer returns a gRPC server with srv registered behind the
// request-id, tracing and metrics interceptors. collector may be nil.
func NewGRPCServer(srv TopologyServer, log logging.Logger, collector *observability.APICollector, opts ...grpc.ServerOption) *grpc.Server {
	interceptors := []grpc.UnaryServerInterceptor{
		RequestIDUnaryServerInterceptor(log),
		TracingUnaryServerInterceptor(),
	}
	if collector != nil {
		interceptors = append(interceptors, collector.UnaryServerInterceptor())
	}
	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors...),
	}, opts...)
	s := grpc.NewServer(opts...)
	RegisterTopologyServer(s, srv)
	return s
}

func (s *Server) ListNodes(context.Context, *ListNodesRequest) (*ListNodesResponse, error) {
	q := s.net.Query()
	return &ListNodesResponse{Hosts: q.Hosts(), Switches: q.Switches()}, nil
}

func (s *Server) Neighbors(_ context.Context, req *NodeRequest) (*NeighborsResponse, error) {
	if err := requireNode(req.Node); err != nil {
		return nil, ToStatusError(err)
	}
	nbrs, err := s.net.Query().Neighbors(req.Node)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return &NeighborsResponse{Node: req.Node, Neighbors: nbrs}, nil
}

func (s *Server) LinksOf(_ context.Context, req *NodeRequest) (*LinksOfResponse, error) {
	if err := requireNode(req.Node); err != nil {
		return nil, ToStatusError(err)
	}
	links, err := s.net.Query().LinksOf(req.Node)
	if err != nil {
		return nil, ToStatusError(err)
	}
	resp := &LinksOfResponse{Node: req.Node, Links: make([]LinkInfo, 0, len(links))}
	for _, l := range links {
		resp.Links = append(resp.Links, linkInfo(req.Node, l))
	}
	return resp, nil
}

func linkInfo(node string, l *core.Link) LinkInfo {
	local, peer := l.Endpoints()
	if local.Node() != node {
		local, peer = peer, local
	}
	attrs := l.Attrs()
	return LinkInfo{
		ID:          l.ID(),
		LocalIntf:   local.Name(),
		LocalPort:   local.Port(),
		Peer:        peer.Node(),
		PeerIntf:    peer.Name(),
		PeerPort:    peer.Port(),
		Live:        l.Live(),
		Bandwidth:   attrs.BandwidthMbps,
		Delay:       attrs.Delay,
		LossPercent: attrs.LossPercent,
		Weight:      attrs.Weight,
	}
}

func (s *Server) NodeState(_ context.Context, req *NodeRequest) (*NodeStateResponse, error) {
	if err := requireNode(req.Node); err != nil {
		return nil, ToStatusError(err)
	}
	resp, err := s.nodeState(req.Node)
	return resp, ToStatusError(err)
}

func (s *Server) nodeState(name string) (*NodeStateResponse, error) {
	st, err := s.net.Query().NodeStatus(name)
	if err != nil {
		return nil, err
	}
	resp := &NodeStateResponse{Node: st.Name, Kind: st.Kind.String(), State: st.State.String()}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	if n, err := s.net.Topology().Node(name); err == nil && n.IsSwitch() {
		resp.Program = n.Switch().Program
	}
	return resp, nil
}

func (s *Server) ShortestPath(_ context.Context, req *PathRequest) (*PathResponse, error) {
	if req.From == "" || req.To == "" {
		return nil, ToStatusError(fmt.Errorf("%w: from and to are required", ErrInvalidRequest))
	}
	nodes, err := s.net.Query().ShortestPath(req.From, req.To)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return &PathResponse{Nodes: nodes}, nil
}

func (s *Server) ExportGraph(ctx context.Context, req *ExportGraphRequest) (*ExportGraphResponse, error) {
	format := req.Format
	if format == "" {
		format = FormatNodeLink
	}
	_, span := startChildSpan(ctx, "introspect.ExportGraph", "", attribute.String("format", format))
	defer span.End()

	g := s.net.Query().ExportGraph()
	var (
		data []byte
		err  error
	)
	switch format {
	case FormatNodeLink:
		data, err = g.JSON()
	case FormatDOT:
		data, err = g.DOT()
	default:
		err = fmt.Errorf("%w: unknown export format %q", ErrInvalidRequest, format)
	}
	if err != nil {
		span.RecordError(err)
		return nil, ToStatusError(err)
	}
	return &ExportGraphResponse{Format: format, Data: string(data)}, nil
}

func (s *Server) Reboot(ctx context.Context, req *RebootRequest) (*NodeStateResponse, error) {
	if err := requireNode(req.Node); err != nil {
		return nil, ToStatusError(err)
	}
	ctx, span := startChildSpan(ctx, "introspect.Reboot", req.Node, attribute.String("program", req.Program))
	defer span.End()

	log := logging.LoggerFromContext(ctx)
	if log == nil {
		log = s.log
	}
	log.Info(ctx, "reboot requested", logging.Node(req.Node), logging.String("program", req.Program))
	if err := s.net.Reboot(ctx, req.Node, req.Program); err != nil {
		span.RecordError(err)
		log.Warn(ctx, "reboot failed", logging.Node(req.Node), logging.Err(err))
		return nil, ToStatusError(err)
	}
	resp, err := s.nodeState(req.Node)
	return resp, ToStatusError(err)
}

func requireNode(name string) error {
	if name == "" {
		return fmt.Errorf("%w: node is required", ErrInvalidRequest)
	}
	return nil
}
