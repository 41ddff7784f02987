package libvirt

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"

	libvirt "libvirt.org/go/libvirt"
)

// volume is a storage volume usable as a base image.
type volume struct {
	Pool string
	Name string
	Path string
}

// networkLease maps a MAC address to the IPv4 address it holds.
type networkLease struct {
	MAC string
	IP  net.IP
}

// hypervisor is the subset of libvirt the driver uses.
type hypervisor interface {
	listVolumes() ([]volume, error)
	defineAndStart(domainXML string) error
	destroyDomain(name string) error
	dhcpLeases(network string) ([]networkLease, error)
	bridgeName(network string) (string, error)
	close() error
}

type libvirtHypervisor struct {
	conn *libvirt.Connect
}

// connect opens uri, answering authentication prompts with username and
// password when they are set.
func connect(uri, username, password string) (*libvirtHypervisor, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, errors.New("connection URI is required")
	}

	auth := &libvirt.ConnectAuth{
		CredType: []libvirt.ConnectCredentialType{
			libvirt.CRED_AUTHNAME,
			libvirt.CRED_PASSPHRASE,
		},
		Callback: func(creds []*libvirt.ConnectCredential) {
			for _, cred := range creds {
				switch cred.Type {
				case libvirt.CRED_AUTHNAME:
					cred.Result = username
				case libvirt.CRED_PASSPHRASE:
					cred.Result = password
				default:
					continue
				}
				cred.ResultLen = len(cred.Result)
			}
		},
	}

	conn, err := libvirt.NewConnectWithAuth(uri, auth, 0)
	if err != nil {
		return nil, fmt.Errorf("open libvirt connection %s: %w", uri, err)
	}
	return &libvirtHypervisor{conn: conn}, nil
}

func (h *libvirtHypervisor) listVolumes() ([]volume, error) {
	pools, err := h.conn.ListAllStoragePools(libvirt.CONNECT_LIST_STORAGE_POOLS_ACTIVE)
	if err != nil {
		return nil, fmt.Errorf("list storage pools: %w", err)
	}
	defer func() {
		for i := range pools {
			_ = pools[i].Free()
		}
	}()

	var volumes []volume
	for i := range pools {
		poolName, err := pools[i].GetName()
		if err != nil {
			return nil, fmt.Errorf("storage pool name: %w", err)
		}
		vols, err := pools[i].ListAllStorageVolumes(0)
		if err != nil {
			return nil, fmt.Errorf("list volumes of pool %s: %w", poolName, err)
		}
		for j := range vols {
			name, nameErr := vols[j].GetName()
			path, pathErr := vols[j].GetPath()
			_ = vols[j].Free()
			if nameErr != nil || pathErr != nil {
				continue
			}
			volumes = append(volumes, volume{Pool: poolName, Name: name, Path: path})
		}
	}
	return volumes, nil
}

func (h *libvirtHypervisor) defineAndStart(domainXML string) error {
	dom, err := h.conn.DomainDefineXML(domainXML)
	if err != nil {
		return fmt.Errorf("define domain: %w", err)
	}
	defer dom.Free()

	if err := dom.Create(); err != nil {
		if undefErr := dom.Undefine(); undefErr != nil {
			err = errors.Join(err, fmt.Errorf("undefine domain: %w", undefErr))
		}
		return fmt.Errorf("start domain: %w", err)
	}
	return nil
}

func (h *libvirtHypervisor) destroyDomain(name string) error {
	dom, err := h.conn.LookupDomainByName(name)
	if err != nil {
		return err
	}
	defer dom.Free()

	if err := dom.Destroy(); err != nil && !isInLibvirtErrors(err, libvirt.ERR_OPERATION_INVALID) {
		return fmt.Errorf("destroy domain %s: %w", name, err)
	}
	if err := dom.Undefine(); err != nil {
		return fmt.Errorf("undefine domain %s: %w", name, err)
	}
	return nil
}

var fetchNetworkLeases = func(network *libvirt.Network) ([]libvirt.NetworkDHCPLease, error) {
	return network.GetDHCPLeases()
}

func (h *libvirtHypervisor) dhcpLeases(networkName string) ([]networkLease, error) {
	network, err := h.conn.LookupNetworkByName(networkName)
	if err != nil {
		return nil, fmt.Errorf("lookup network %s: %w", networkName, err)
	}
	defer network.Free()

	raw, err := fetchNetworkLeases(network)
	if err != nil {
		return nil, fmt.Errorf("query DHCP leases: %w", err)
	}
	return convertLeases(raw), nil
}

func (h *libvirtHypervisor) bridgeName(networkName string) (string, error) {
	network, err := h.conn.LookupNetworkByName(networkName)
	if err != nil {
		return "", fmt.Errorf("lookup network %s: %w", networkName, err)
	}
	defer network.Free()
	return network.GetBridgeName()
}

func (h *libvirtHypervisor) close() error {
	_, err := h.conn.Close()
	return err
}

func convertLeases(raw []libvirt.NetworkDHCPLease) []networkLease {
	var leases []networkLease
	for _, lease := range raw {
		ip := parseIPv4(lease.IPaddr)
		if ip == nil {
			continue
		}
		leases = append(leases, networkLease{
			MAC: strings.ToLower(strings.TrimSpace(lease.Mac)),
			IP:  ip,
		})
	}
	return leases
}

func parseIPv4(value string) net.IP {
	ip := net.ParseIP(strings.TrimSpace(value))
	if ip == nil {
		return nil
	}
	return ip.To4()
}

func isInLibvirtErrors(err error, codes ...libvirt.ErrorNumber) bool {
	if err == nil {
		return false
	}
	var libErr libvirt.Error
	if !errors.As(err, &libErr) {
		return false
	}
	return slices.Contains(codes, libErr.Code)
}
