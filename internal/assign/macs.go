package assign

import (
	"fmt"
	"net/netip"
	"slices"

	"github.com/signalsfoundry/p4net/core"
)

// assignMACs fills every interface without an explicit MAC. A switch port
// facing a numbered host embeds the host's address (00:01); other
// numbered interfaces embed their own (00:00 host side, 00:01 switch
// side); anything else is derived from device ID or node index and port.
func (r *run) assignMACs() {
	for _, n := range r.topo.Nodes() {
		for _, iface := range n.Interfaces() {
			if _, ok := r.macs[iface]; ok {
				continue
			}
			var b [6]byte
			kind := byte(0)
			if n.IsSwitch() {
				kind = 1
			}
			switch peer := iface.Peer(); {
			case n.IsSwitch() && peer != nil && r.isHost(peer) && r.ips[peer].IsValid():
				ip := r.ips[peer].Addr().As4()
				b = [6]byte{0, 1, ip[0], ip[1], ip[2], ip[3]}
			case r.ips[iface].IsValid():
				ip := r.ips[iface].Addr().As4()
				b = [6]byte{0, kind, ip[0], ip[1], ip[2], ip[3]}
			case n.IsSwitch():
				id := r.ids[n.Name()]
				b = [6]byte{0, 2, byte(id >> 8), byte(id), byte(iface.Port() >> 8), byte(iface.Port())}
			default:
				b = [6]byte{0, 3, byte(n.Index() >> 8), byte(n.Index()), byte(iface.Port() >> 8), byte(iface.Port())}
			}
			mac := r.claimMAC(b, iface)
			r.macs[iface] = mac
		}
	}
}

func (r *run) claimMAC(b [6]byte, iface *core.Interface) string {
	for {
		mac := formatMAC(b)
		if _, used := r.usedMACs[mac]; !used {
			r.usedMACs[mac] = refOf(iface)
			return mac
		}
		for i := 5; i >= 0; i-- {
			b[i]++
			if b[i] != 0 {
				break
			}
		}
	}
}

func formatMAC(b [6]byte) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5])
}

func (r *run) isHost(iface *core.Interface) bool {
	n, err := r.topo.Node(iface.Node())
	return err == nil && n.IsHost()
}

// arpTables computes static neighbours per interface: a host across the
// link, same-subnet hosts for host interfaces, and the gateway when
// gateway ARP is enabled. Switch port addresses only reach hosts through
// gateway ARP.
func (r *run) arpTables() []ARPTable {
	var hostIfaces []*core.Interface
	for _, h := range r.topo.Hosts() {
		hostIfaces = append(hostIfaces, h.Interfaces()...)
	}

	var out []ARPTable
	for _, n := range r.topo.Nodes() {
		for _, iface := range n.Interfaces() {
			entries := make(map[netip.Addr]core.ARPEntry)
			add := func(ip netip.Addr, mac string) {
				if !ip.IsValid() || mac == "" {
					return
				}
				if _, dup := entries[ip]; !dup {
					entries[ip] = core.ARPEntry{IP: ip, MAC: mac, Interface: iface.Name()}
				}
			}

			peer := iface.Peer()
			if r.opts.AutoARP && peer != nil && r.isHost(peer) {
				add(r.ips[peer].Addr(), r.macs[peer])
			}
			own := r.ips[iface]
			if r.opts.AutoARP && n.IsHost() && own.IsValid() {
				subnet := own.Masked()
				for _, other := range hostIfaces {
					if other == iface || !r.ips[other].IsValid() {
						continue
					}
					if subnet.Contains(r.ips[other].Addr()) {
						add(r.ips[other].Addr(), r.macs[other])
					}
				}
			}
			if r.opts.AutoGatewayARP && n.IsHost() && own.IsValid() && peer != nil {
				if gw, ok := r.routes[n.Name()]; ok && own.Masked().Contains(gw) {
					add(gw, r.macs[peer])
				}
			}

			if len(entries) == 0 {
				continue
			}
			table := ARPTable{InterfaceRef: refOf(iface)}
			for _, e := range entries {
				table.Entries = append(table.Entries, e)
			}
			slices.SortFunc(table.Entries, func(a, b core.ARPEntry) int { return a.IP.Compare(b.IP) })
			out = append(out, table)
		}
	}
	return out
}
