package discovery

import (
	"fmt"
	"net"
)

// InterfaceAddr is one IPv4 address of an up, non-loopback interface.
type InterfaceAddr struct {
	Name string
	IP   net.IP
	Mask net.IPMask
}

// Broadcast is the subnet-directed broadcast address of the interface.
func (a InterfaceAddr) Broadcast() net.IP {
	return BroadcastAddr(a.IP, a.Mask)
}

func (a InterfaceAddr) String() string {
	ones, _ := a.Mask.Size()
	return fmt.Sprintf("%s -> %s/%d", a.Name, a.IP, ones)
}

// LocalAddresses lists IPv4 addresses usable for LAN broadcast, skipping
// loopback, down interfaces and 169.254/16 link-local addresses.
func LocalAddresses() ([]InterfaceAddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("enumerate interfaces: %w", err)
	}

	var out []InterfaceAddr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || ip4.IsLinkLocalUnicast() || ip4.IsLoopback() {
				continue
			}
			out = append(out, InterfaceAddr{Name: iface.Name, IP: ip4, Mask: ipv4Mask(ipnet.Mask)})
		}
	}
	return out, nil
}

// BroadcastAddr computes the subnet-directed broadcast address for ip/mask,
// e.g. 192.168.1.100/24 -> 192.168.1.255.
func BroadcastAddr(ip net.IP, mask net.IPMask) net.IP {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil
	}
	m := ipv4Mask(mask)
	out := make(net.IP, net.IPv4len)
	for i := range out {
		out[i] = ip4[i] | ^m[i]
	}
	return out
}

func ipv4Mask(mask net.IPMask) net.IPMask {
	switch len(mask) {
	case net.IPv4len:
		return mask
	case net.IPv6len:
		return mask[12:]
	default:
		return net.CIDRMask(24, 32)
	}
}
