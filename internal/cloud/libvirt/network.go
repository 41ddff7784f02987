package libvirt

import (
	"crypto/sha1"
	"fmt"
	"net"
	"strings"

	"github.com/vishvananda/netlink"
)

// generateMAC derives a stable locally administered unicast MAC in the
// 52:54:00 QEMU range from seed.
func generateMAC(seed string) string {
	sum := sha1.Sum([]byte(seed))
	mac := []byte{0x52, 0x54, 0x00, sum[0], sum[1], sum[2]}
	mac[0] = (mac[0] | 0x02) & 0xfe
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

// listNeighbours reads the IPv4 neighbour table of a bridge interface.
var listNeighbours = func(bridge string) ([]networkLease, error) {
	link, err := netlink.LinkByName(bridge)
	if err != nil {
		return nil, fmt.Errorf("lookup link %s: %w", bridge, err)
	}
	neighs, err := netlink.NeighList(link.Attrs().Index, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("list neighbours of %s: %w", bridge, err)
	}
	leases := make([]networkLease, 0, len(neighs))
	for _, neigh := range neighs {
		if neigh.HardwareAddr == nil || neigh.IP.To4() == nil {
			continue
		}
		if neigh.State&(netlink.NUD_FAILED|netlink.NUD_INCOMPLETE) != 0 {
			continue
		}
		leases = append(leases, networkLease{
			MAC: strings.ToLower(neigh.HardwareAddr.String()),
			IP:  neigh.IP.To4(),
		})
	}
	return leases, nil
}

func findLease(leases []networkLease, mac string) net.IP {
	mac = strings.ToLower(strings.TrimSpace(mac))
	for _, lease := range leases {
		if lease.MAC == mac && lease.IP != nil {
			return lease.IP
		}
	}
	return nil
}
