package nat

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway2"
	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/koron/go-ssdp"
)

// PortMapping describes an active external port mapping obtained from the
// local gateway.
type PortMapping struct {
	Protocol     string
	InternalPort uint16
	ExternalPort uint16
	ExternalIP   string
	Lease        time.Duration
}

// PortMapper requests an external port mapping from the local gateway and
// reports the gateway's view of the external IP (spec §4.4: UPnP IGD and
// NAT-PMP as alternative port-mapping mechanisms).
type PortMapper interface {
	AddMapping(ctx context.Context, protocol string, internalPort, externalPort int, description string, lease time.Duration) (PortMapping, error)
	DeleteMapping(ctx context.Context, protocol string, internalPort, externalPort int) error
	ExternalIP(ctx context.Context) (string, error)
}

// upnpMapper drives a discovered WANIPConnection1 service.
type upnpMapper struct {
	client *internetgateway2.WANIPConnection1
}

// DiscoverUPnP locates a WANIPConnection1 service on the LAN. An SSDP
// presence check runs first as a fast negative short-circuit; goupnp's own
// client constructor performs its own (heavier) discovery and does not
// consume the SSDP result directly.
func DiscoverUPnP(ctx context.Context) (PortMapper, error) {
	if _, err := ssdp.Search(ssdp.All, 2, ""); err != nil {
		return nil, fmt.Errorf("nat: ssdp presence check: %w", err)
	}

	clients, errs, err := internetgateway2.NewWANIPConnection1Clients()
	if err != nil {
		return nil, fmt.Errorf("nat: discover upnp gateway: %w", err)
	}
	if len(clients) == 0 {
		if len(errs) > 0 {
			return nil, fmt.Errorf("%w: %v", ErrNoUPnPGateway, errs[0])
		}
		return nil, ErrNoUPnPGateway
	}
	return &upnpMapper{client: clients[0]}, nil
}

func (m *upnpMapper) AddMapping(ctx context.Context, protocol string, internalPort, externalPort int, description string, lease time.Duration) (PortMapping, error) {
	localIP, err := localOutboundIP()
	if err != nil {
		return PortMapping{}, err
	}
	leaseSeconds := uint32(lease / time.Second)
	if err := m.client.AddPortMapping("", uint16(externalPort), protocol, uint16(internalPort), localIP, true, description, leaseSeconds); err != nil {
		return PortMapping{}, fmt.Errorf("nat: upnp add port mapping: %w", err)
	}
	extIP, err := m.client.GetExternalIPAddress()
	if err != nil {
		return PortMapping{}, fmt.Errorf("nat: upnp get external ip: %w", err)
	}
	return PortMapping{
		Protocol:     protocol,
		InternalPort: uint16(internalPort),
		ExternalPort: uint16(externalPort),
		ExternalIP:   extIP,
		Lease:        lease,
	}, nil
}

func (m *upnpMapper) DeleteMapping(ctx context.Context, protocol string, internalPort, externalPort int) error {
	if err := m.client.DeletePortMapping("", uint16(externalPort), protocol); err != nil {
		return fmt.Errorf("nat: upnp delete port mapping: %w", err)
	}
	return nil
}

func (m *upnpMapper) ExternalIP(ctx context.Context) (string, error) {
	ip, err := m.client.GetExternalIPAddress()
	if err != nil {
		return "", fmt.Errorf("nat: upnp get external ip: %w", err)
	}
	return ip, nil
}

// natpmpMapper drives RFC 6886 NAT-PMP against a known gateway address,
// used when UPnP discovery fails but the gateway supports the simpler
// protocol.
type natpmpMapper struct {
	client *natpmp.Client
}

// DiscoverNATPMP builds a PortMapper against an explicit gateway IP (NAT-PMP
// has no discovery phase of its own; the gateway is normally the default
// route).
func DiscoverNATPMP(gatewayIP net.IP) PortMapper {
	return &natpmpMapper{client: natpmp.NewClient(gatewayIP)}
}

func (m *natpmpMapper) AddMapping(ctx context.Context, protocol string, internalPort, externalPort int, description string, lease time.Duration) (PortMapping, error) {
	lifetime := int(lease / time.Second)
	resp, err := m.client.AddPortMapping(protocol, internalPort, externalPort, lifetime)
	if err != nil {
		return PortMapping{}, fmt.Errorf("nat: natpmp add mapping: %w", err)
	}
	extAddr, err := m.client.GetExternalAddress()
	if err != nil {
		return PortMapping{}, fmt.Errorf("nat: natpmp external address: %w", err)
	}
	ip := net.IP(extAddr.ExternalIPAddress[:])
	return PortMapping{
		Protocol:     protocol,
		InternalPort: uint16(internalPort),
		ExternalPort: resp.MappedExternalPort,
		ExternalIP:   ip.String(),
		Lease:        time.Duration(resp.PortMappingLifetimeInSeconds) * time.Second,
	}, nil
}

func (m *natpmpMapper) DeleteMapping(ctx context.Context, protocol string, internalPort, externalPort int) error {
	// RFC 6886 §3.3: delete a mapping by re-requesting it with lifetime 0.
	_, err := m.client.AddPortMapping(protocol, internalPort, externalPort, 0)
	if err != nil {
		return fmt.Errorf("nat: natpmp delete mapping: %w", err)
	}
	return nil
}

func (m *natpmpMapper) ExternalIP(ctx context.Context) (string, error) {
	resp, err := m.client.GetExternalAddress()
	if err != nil {
		return "", fmt.Errorf("nat: natpmp external address: %w", err)
	}
	return net.IP(resp.ExternalIPAddress[:]).String(), nil
}

// localOutboundIP determines the local interface address that would be
// used to reach the internet, for the internal-client field of a UPnP
// AddPortMapping call.
func localOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("nat: determine local outbound address: %w", err)
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("nat: unexpected local address type %T", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}
