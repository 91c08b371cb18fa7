package query

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/multi"

	"github.com/signalsfoundry/p4net/core"
	"github.com/signalsfoundry/p4net/model"
)

// Graph is an exported snapshot of the topology as an undirected
// multigraph: one node per topology node, one line per link. Parallel
// links between the same pair of nodes are kept as separate lines.
type Graph struct {
	g     *multi.WeightedUndirectedGraph
	ids   map[string]int64
	nodes []GraphNode
	edges []Edge
}

// GraphNode is a topology node in an exported graph. Switch identity
// fields are zero for hosts; Gateway is empty for switches.
type GraphNode struct {
	id    int64
	Name  string
	Kind  model.NodeKind
	State model.LifecycleState

	Program    string
	DeviceID   int
	GRPCPort   int
	ThriftPort int
	Endpoint   string
	Gateway    string
}

func (n GraphNode) ID() int64 { return n.id }

// DOTID names the node by its topology name in DOT output.
func (n GraphNode) DOTID() string { return n.Name }

func (n GraphNode) Attributes() []encoding.Attribute {
	attrs := []encoding.Attribute{
		{Key: "kind", Value: n.Kind.String()},
		{Key: "state", Value: n.State.String()},
	}
	if n.DeviceID > 0 {
		attrs = append(attrs, encoding.Attribute{Key: "device_id", Value: strconv.Itoa(n.DeviceID)})
	}
	return attrs
}

// Edge is a link in an exported graph. From/To follow the link's
// declaration order.
type Edge struct {
	uid int64
	F   GraphNode
	T   GraphNode

	Link     string
	FromIntf string
	ToIntf   string
	FromPort int
	ToPort   int
	FromMAC  string
	ToMAC    string
	FromIP   netip.Prefix
	ToIP     netip.Prefix
	Live     bool
	W        float64
	Attrs    model.LinkAttrs
}

func (e Edge) From() graph.Node { return e.F }
func (e Edge) To() graph.Node   { return e.T }
func (e Edge) ID() int64        { return e.uid }
func (e Edge) Weight() float64  { return e.W }

func (e Edge) ReversedLine() graph.Line {
	e.F, e.T = e.T, e.F
	e.FromIntf, e.ToIntf = e.ToIntf, e.FromIntf
	e.FromPort, e.ToPort = e.ToPort, e.FromPort
	e.FromMAC, e.ToMAC = e.ToMAC, e.FromMAC
	e.FromIP, e.ToIP = e.ToIP, e.FromIP
	return e
}

func (e Edge) Attributes() []encoding.Attribute {
	return []encoding.Attribute{
		{Key: "id", Value: e.Link},
		{Key: "live", Value: strconv.FormatBool(e.Live)},
		{Key: "taillabel", Value: strconv.Itoa(e.FromPort)},
		{Key: "headlabel", Value: strconv.Itoa(e.ToPort)},
	}
}

func linkWeight(l *core.Link) float64 {
	if w := l.Attrs().Weight; w > 0 {
		return float64(w)
	}
	return 1
}

func exportGraph(topo *core.Topology) *Graph {
	out := &Graph{
		g:   multi.NewWeightedUndirectedGraph(),
		ids: make(map[string]int64),
	}
	byName := make(map[string]GraphNode)
	for _, n := range topo.Nodes() {
		gn := GraphNode{id: int64(n.Index()), Name: n.Name(), Kind: n.Kind(), State: n.State()}
		if n.IsSwitch() {
			sw := n.Switch()
			gn.Program = sw.Program
			gn.DeviceID = sw.DeviceID
			gn.GRPCPort = sw.GRPCPort
			gn.ThriftPort = sw.ThriftPort
			gn.Endpoint = sw.Endpoint
		} else if gw := n.Host().DefaultRoute; gw.IsValid() {
			gn.Gateway = gw.String()
		}
		out.g.AddNode(gn)
		out.ids[gn.Name] = gn.id
		out.nodes = append(out.nodes, gn)
		byName[gn.Name] = gn
	}
	for _, l := range topo.Links() {
		a, b := l.Endpoints()
		e := Edge{
			uid:      int64(l.Index()),
			F:        byName[a.Node()],
			T:        byName[b.Node()],
			Link:     l.ID(),
			FromIntf: a.Name(),
			ToIntf:   b.Name(),
			FromPort: a.Port(),
			ToPort:   b.Port(),
			FromMAC:  a.MAC(),
			ToMAC:    b.MAC(),
			FromIP:   a.IP(),
			ToIP:     b.IP(),
			Live:     l.Live(),
			W:        linkWeight(l),
			Attrs:    l.Attrs(),
		}
		out.g.SetWeightedLine(e)
		out.edges = append(out.edges, e)
	}
	return out
}

// Nodes returns the graph's nodes in declaration order.
func (g *Graph) Nodes() []GraphNode { return append([]GraphNode(nil), g.nodes...) }

// Edges returns one edge per link in declaration order.
func (g *Graph) Edges() []Edge { return append([]Edge(nil), g.edges...) }

// NodeID maps a topology node name to its graph ID.
func (g *Graph) NodeID(name string) (int64, bool) {
	id, ok := g.ids[name]
	return id, ok
}

// Multigraph exposes the underlying gonum graph for external analysis.
func (g *Graph) Multigraph() graph.WeightedMultigraph { return g.g }

// DOT encodes the graph in GraphViz format.
func (g *Graph) DOT() ([]byte, error) {
	b, err := dot.MarshalMulti(g.g, "p4net", "", "\t")
	if err != nil {
		return nil, fmt.Errorf("encode dot: %w", err)
	}
	return b, nil
}

//
// ---------- Node-link document ----------
//

// NodeLinkDocument is the node-link JSON layout understood by common graph
// tooling.
type NodeLinkDocument struct {
	Directed   bool           `json:"directed"`
	Multigraph bool           `json:"multigraph"`
	Graph      map[string]any `json:"graph"`
	Nodes      []NodeLinkNode `json:"nodes"`
	Links      []NodeLinkEdge `json:"links"`
}

type NodeLinkNode struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	State string `json:"state"`

	Program    string `json:"program,omitempty"`
	DeviceID   int    `json:"device_id,omitempty"`
	GRPCPort   int    `json:"grpc_port,omitempty"`
	ThriftPort int    `json:"thrift_port,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	Gateway    string `json:"gateway,omitempty"`
}

type NodeLinkEdge struct {
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	Key        string  `json:"key"`
	SourceIntf string  `json:"source_intf"`
	TargetIntf string  `json:"target_intf"`
	SourcePort int     `json:"source_port"`
	TargetPort int     `json:"target_port"`
	SourceMAC  string  `json:"source_mac,omitempty"`
	TargetMAC  string  `json:"target_mac,omitempty"`
	SourceIP   string  `json:"source_ip,omitempty"`
	TargetIP   string  `json:"target_ip,omitempty"`
	Live       bool    `json:"live"`
	Weight     float64 `json:"weight"`
	Bandwidth  float64 `json:"bw,omitempty"`
	Delay      string  `json:"delay,omitempty"`
	Loss       float64 `json:"loss,omitempty"`
}

// NodeLink converts the graph to a node-link document.
func (g *Graph) NodeLink() NodeLinkDocument {
	doc := NodeLinkDocument{
		Multigraph: true,
		Graph:      map[string]any{"name": "p4net"},
		Nodes:      make([]NodeLinkNode, 0, len(g.nodes)),
		Links:      make([]NodeLinkEdge, 0, len(g.edges)),
	}
	for _, n := range g.nodes {
		doc.Nodes = append(doc.Nodes, NodeLinkNode{
			ID:         n.Name,
			Type:       n.Kind.String(),
			State:      n.State.String(),
			Program:    n.Program,
			DeviceID:   n.DeviceID,
			GRPCPort:   n.GRPCPort,
			ThriftPort: n.ThriftPort,
			Endpoint:   n.Endpoint,
			Gateway:    n.Gateway,
		})
	}
	for _, e := range g.edges {
		doc.Links = append(doc.Links, NodeLinkEdge{
			Source:     e.F.Name,
			Target:     e.T.Name,
			Key:        e.Link,
			SourceIntf: e.FromIntf,
			TargetIntf: e.ToIntf,
			SourcePort: e.FromPort,
			TargetPort: e.ToPort,
			SourceMAC:  e.FromMAC,
			TargetMAC:  e.ToMAC,
			SourceIP:   prefixString(e.FromIP),
			TargetIP:   prefixString(e.ToIP),
			Live:       e.Live,
			Weight:     e.W,
			Bandwidth:  e.Attrs.BandwidthMbps,
			Delay:      e.Attrs.Delay,
			Loss:       e.Attrs.LossPercent,
		})
	}
	return doc
}

func prefixString(p netip.Prefix) string {
	if !p.IsValid() {
		return ""
	}
	return p.String()
}

// JSON encodes the node-link document.
func (g *Graph) JSON() ([]byte, error) {
	return json.MarshalIndent(g.NodeLink(), "", "  ")
}
