package core

import (
	"fmt"
	"sync/atomic"

	"github.com/signalsfoundry/p4net/model"
)

// Link is an undirected pairing of two interfaces on distinct nodes. Links
// are created by Build and live until the network is torn down; only the
// liveness flag changes afterwards.
type Link struct {
	id    string
	index int
	a, b  *Interface
	attrs model.LinkAttrs
	live  atomic.Bool
}

func newLink(index int, a, b *Interface, attrs model.LinkAttrs) *Link {
	l := &Link{
		id:    fmt.Sprintf("%s:%d-%s:%d", a.node.name, a.port, b.node.name, b.port),
		index: index,
		a:     a,
		b:     b,
		attrs: attrs,
	}
	a.link = l
	b.link = l
	return l
}

func (l *Link) ID() string { return l.id }

// Index is the link's position in declaration order.
func (l *Link) Index() int { return l.index }

// Endpoints returns both interfaces in declaration order.
func (l *Link) Endpoints() (*Interface, *Interface) { return l.a, l.b }

func (l *Link) Attrs() model.LinkAttrs { return l.attrs }

// Live reports whether the substrate currently has this link wired.
func (l *Link) Live() bool { return l.live.Load() }

// Peer returns the opposite endpoint of iface, or nil if iface is not on
// this link.
func (l *Link) Peer(iface *Interface) *Interface {
	switch iface {
	case l.a:
		return l.b
	case l.b:
		return l.a
	default:
		return nil
	}
}

// Touches reports whether the link has an endpoint on the named node.
func (l *Link) Touches(node string) bool {
	return l.a.node.name == node || l.b.node.name == node
}

// Other returns the node name opposite to node.
func (l *Link) Other(node string) string {
	if l.a.node.name == node {
		return l.b.node.name
	}
	return l.a.node.name
}
