// Package query answers read-only questions about a live topology:
// adjacency, lifecycle state, paths and graph export. Every call reads the
// topology's current state, so a node being rebooted reports Reconfiguring
// while the reboot is in progress.
package query

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"slices"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/signalsfoundry/p4net/core"
	"github.com/signalsfoundry/p4net/model"
)

var (
	// ErrNotAdjacent reports two nodes with no link between them.
	ErrNotAdjacent = fmt.Errorf("adjacency %w", core.ErrNotFound)
	// ErrNoPath reports that no path of live links joins two nodes.
	ErrNoPath = errors.New("no path")
	// ErrHostNotFound reports an address no host interface carries.
	ErrHostNotFound = fmt.Errorf("host %w", core.ErrNotFound)
)

// Status is a node's lifecycle state together with the error that last
// moved it to Failed, if any.
type Status struct {
	Name  string
	Kind  model.NodeKind
	State model.LifecycleState
	Err   error
}

// Service answers queries against one topology.
type Service struct {
	topo *core.Topology
}

// New returns a query service over topo.
func New(topo *core.Topology) *Service {
	return &Service{topo: topo}
}

//
// ---------- Nodes ----------
//

// Hosts returns host names in declaration order.
func (s *Service) Hosts() []string { return names(s.topo.Hosts()) }

// Switches returns switch names in declaration order.
func (s *Service) Switches() []string { return names(s.topo.Switches()) }

func names(nodes []*core.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Name())
	}
	return out
}

func (s *Service) NodeState(name string) (model.LifecycleState, error) {
	n, err := s.topo.Node(name)
	if err != nil {
		return 0, err
	}
	return n.State(), nil
}

// NodeStatus reports state and last error. Failed nodes keep their error
// until they next reach Running.
func (s *Service) NodeStatus(name string) (Status, error) {
	n, err := s.topo.Node(name)
	if err != nil {
		return Status{}, err
	}
	state, lastErr := n.Status()
	return Status{Name: n.Name(), Kind: n.Kind(), State: state, Err: lastErr}, nil
}

// HostByIP finds the host owning an interface with address ip.
func (s *Service) HostByIP(ip netip.Addr) (string, error) {
	for _, h := range s.topo.Hosts() {
		for _, iface := range h.Interfaces() {
			if p := iface.IP(); p.IsValid() && p.Addr() == ip {
				return h.Name(), nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrHostNotFound, ip)
}

//
// ---------- Adjacency ----------
//

// Neighbors returns the sorted, de-duplicated names of nodes sharing a
// link with name.
func (s *Service) Neighbors(name string) ([]string, error) {
	links, err := s.topo.LinksOf(name)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(links))
	for _, l := range links {
		out = append(out, l.Other(name))
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func (s *Service) AreNeighbors(a, b string) (bool, error) {
	if _, err := s.topo.Node(b); err != nil {
		return false, err
	}
	nbrs, err := s.Neighbors(a)
	if err != nil {
		return false, err
	}
	_, found := slices.BinarySearch(nbrs, b)
	return found, nil
}

// LinksOf returns the links touching name in declaration order.
func (s *Service) LinksOf(name string) ([]*core.Link, error) {
	return s.topo.LinksOf(name)
}

// InterfaceTo returns node's interface on the first declared link towards
// neighbour.
func (s *Service) InterfaceTo(node, neighbour string) (*core.Interface, error) {
	if _, err := s.topo.Node(neighbour); err != nil {
		return nil, err
	}
	links, err := s.topo.LinksOf(node)
	if err != nil {
		return nil, err
	}
	for _, l := range links {
		if l.Other(node) != neighbour {
			continue
		}
		a, b := l.Endpoints()
		if a.Node() == node {
			return a, nil
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: %q and %q", ErrNotAdjacent, node, neighbour)
}

// PortTo returns the port number of InterfaceTo(node, neighbour).
func (s *Service) PortTo(node, neighbour string) (int, error) {
	iface, err := s.InterfaceTo(node, neighbour)
	if err != nil {
		return 0, err
	}
	return iface.Port(), nil
}

//
// ---------- Export ----------
//

// ExportGraph snapshots the topology as a multigraph with one line per
// link, live or not.
func (s *Service) ExportGraph() *Graph {
	return exportGraph(s.topo)
}

// NodeLinkData is ExportGraph encoded as a node-link JSON document.
func (s *Service) NodeLinkData() ([]byte, error) {
	return s.ExportGraph().JSON()
}

//
// ---------- Paths ----------
//

// routing is the simple graph of live links used for path questions.
// Parallel live links collapse to the lightest one.
type routing struct {
	g     *simple.WeightedUndirectedGraph
	names []string
}

func (s *Service) routing() *routing {
	nodes := s.topo.Nodes()
	r := &routing{
		g:     simple.NewWeightedUndirectedGraph(0, math.Inf(1)),
		names: make([]string, len(nodes)),
	}
	for _, n := range nodes {
		r.g.AddNode(simple.Node(n.Index()))
		r.names[n.Index()] = n.Name()
	}
	for _, l := range s.topo.Links() {
		if !l.Live() {
			continue
		}
		a, b := l.Endpoints()
		na, _ := s.topo.Node(a.Node())
		nb, _ := s.topo.Node(b.Node())
		from, to := simple.Node(na.Index()), simple.Node(nb.Index())
		w := linkWeight(l)
		if cur, ok := r.g.Weight(from.ID(), to.ID()); ok && cur <= w {
			continue
		}
		r.g.SetWeightedEdge(simple.WeightedEdge{F: from, T: to, W: w})
	}
	return r
}

func (r *routing) path(nodes []graph.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, r.names[n.ID()])
	}
	return out
}

func (s *Service) endpoints(a, b string) (*core.Node, *core.Node, error) {
	na, err := s.topo.Node(a)
	if err != nil {
		return nil, nil, err
	}
	nb, err := s.topo.Node(b)
	if err != nil {
		return nil, nil, err
	}
	return na, nb, nil
}

// Reachable reports whether a path of live links joins a and b.
func (s *Service) Reachable(a, b string) (bool, error) {
	na, nb, err := s.endpoints(a, b)
	if err != nil {
		return false, err
	}
	r := s.routing()
	return topo.PathExistsIn(r.g, simple.Node(na.Index()), simple.Node(nb.Index())), nil
}

// ShortestPath returns the lightest path of live links from a to b,
// endpoints included. Links weigh 1 unless they declare a weight.
func (s *Service) ShortestPath(a, b string) ([]string, error) {
	na, nb, err := s.endpoints(a, b)
	if err != nil {
		return nil, err
	}
	r := s.routing()
	tree := path.DijkstraFrom(simple.Node(na.Index()), r.g)
	nodes, _ := tree.To(int64(nb.Index()))
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: %q to %q", ErrNoPath, a, b)
	}
	return r.path(nodes), nil
}

// AllShortestPaths returns every path of minimal weight from a to b.
func (s *Service) AllShortestPaths(a, b string) ([][]string, error) {
	na, nb, err := s.endpoints(a, b)
	if err != nil {
		return nil, err
	}
	r := s.routing()
	tree := path.DijkstraAllFrom(simple.Node(na.Index()), r.g)
	all, _ := tree.AllTo(int64(nb.Index()))
	if len(all) == 0 {
		return nil, fmt.Errorf("%w: %q to %q", ErrNoPath, a, b)
	}
	out := make([][]string, 0, len(all))
	for _, p := range all {
		out = append(out, r.path(p))
	}
	slices.SortFunc(out, func(x, y []string) int { return slices.Compare(x, y) })
	return out, nil
}
