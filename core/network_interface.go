package core

import (
	"net/netip"
	"slices"
)

// ARPEntry is a static neighbour entry installed on an interface.
type ARPEntry struct {
	IP  netip.Addr
	MAC string
	// Interface is the local interface the entry is bound to.
	Interface string
}

// Interface is a port on a Node. It belongs to exactly one node and
// terminates at most one Link. Address fields are written only through the
// Topology setters and guarded by the owning node's lock.
type Interface struct {
	node *Node
	name string
	port int
	link *Link

	// Addresses requested in the description; empty means auto.
	requestedMAC string
	requestedIP  string

	mac string
	ip  netip.Prefix
	arp []ARPEntry
}

// Name is unique within the owning node.
func (i *Interface) Name() string { return i.name }

// Node returns the owning node's name.
func (i *Interface) Node() string { return i.node.name }

// Port is the data-plane port number (switches) or interface index (hosts).
func (i *Interface) Port() int { return i.port }

// Link returns the link this interface terminates. Every interface built
// from a description has one.
func (i *Interface) Link() *Link { return i.link }

// Requested returns the MAC and IP given in the description, if any.
func (i *Interface) Requested() (mac, ip string) { return i.requestedMAC, i.requestedIP }

func (i *Interface) MAC() string {
	i.node.mu.RLock()
	defer i.node.mu.RUnlock()
	return i.mac
}

// IP returns the assigned IPv4 prefix; the zero prefix means unnumbered.
func (i *Interface) IP() netip.Prefix {
	i.node.mu.RLock()
	defer i.node.mu.RUnlock()
	return i.ip
}

// ARP returns the static neighbour entries computed for this interface.
func (i *Interface) ARP() []ARPEntry {
	i.node.mu.RLock()
	defer i.node.mu.RUnlock()
	return slices.Clone(i.arp)
}

// Peer returns the interface on the other end of this interface's link.
func (i *Interface) Peer() *Interface {
	if i.link == nil {
		return nil
	}
	return i.link.Peer(i)
}
