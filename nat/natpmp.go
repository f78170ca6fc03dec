package nat

import (
	"context"
	"encoding/binary"
	"net"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// RFC 6886 constants.
const (
	natpmpPort       = 5351
	natpmpVersion    = 0
	natpmpTimeout    = 10 * time.Second
	natpmpMaxRetries = 3
	natpmpRetryGap   = time.Second
)

// NAT-PMP opcodes.
const (
	opPublicAddress byte = 0
	opMapUDP        byte = 1
	opMapTCP        byte = 2
)

// Mapping describes a port mapping granted by a NAT-PMP gateway.
type Mapping struct {
	InternalPort uint16
	ExternalPort uint16
	Lifetime     uint32 // seconds
	Protocol     string // "tcp" or "udp"
}

// EncodePublicAddressRequest builds the 2-byte public address request
// (RFC 6886 section 3.1): version 0, opcode 0.
func EncodePublicAddressRequest() []byte {
	return []byte{natpmpVersion, opPublicAddress}
}

// EncodePortMappingRequest builds the 12-byte mapping request
// (RFC 6886 section 3.4): version, opcode, reserved, internal port,
// external port, lifetime.
func EncodePortMappingRequest(internalPort, externalPort uint16, lifetime uint32, protocol string) []byte {
	opcode := opMapUDP
	if strings.EqualFold(protocol, "tcp") {
		opcode = opMapTCP
	}

	out := make([]byte, 12)
	out[0] = natpmpVersion
	out[1] = opcode
	binary.BigEndian.PutUint16(out[2:4], 0) // reserved
	binary.BigEndian.PutUint16(out[4:6], internalPort)
	binary.BigEndian.PutUint16(out[6:8], externalPort)
	binary.BigEndian.PutUint32(out[8:12], lifetime)

	return out
}

// DecodePublicAddressResponse parses a 12-byte public address response
// (RFC 6886 section 3.2): version, opcode, result, seconds since epoch,
// external IPv4 address.
func DecodePublicAddressResponse(data []byte) (net.IP, uint32, error) {
	if len(data) < 12 {
		return nil, 0, natpmpErrorf(-1, "public address response too short: %d bytes", len(data))
	}

	result := binary.BigEndian.Uint16(data[2:4])
	if result != ResultSuccess {
		return nil, 0, natpmpErrorf(int(result), "public address request rejected")
	}

	seconds := binary.BigEndian.Uint32(data[4:8])
	ip := net.IPv4(data[8], data[9], data[10], data[11]).To4()

	return ip, seconds, nil
}

// DecodePortMappingResponse parses a 16-byte mapping response
// (RFC 6886 section 3.5): version, opcode, result, seconds, internal port,
// external port, granted lifetime.
func DecodePortMappingResponse(data []byte) (*Mapping, error) {
	if len(data) < 16 {
		return nil, natpmpErrorf(-1, "port mapping response too short: %d bytes", len(data))
	}

	result := binary.BigEndian.Uint16(data[2:4])
	if result != ResultSuccess {
		return nil, natpmpErrorf(int(result), "port mapping request rejected")
	}

	protocol := "udp"
	if data[1]&0x7F == opMapTCP {
		protocol = "tcp"
	}

	return &Mapping{
		InternalPort: binary.BigEndian.Uint16(data[8:10]),
		ExternalPort: binary.BigEndian.Uint16(data[10:12]),
		Lifetime:     binary.BigEndian.Uint32(data[12:16]),
		Protocol:     protocol,
	}, nil
}

// NATPMPClient talks RFC 6886 to the default gateway over UDP port 5351.
type NATPMPClient struct {
	gatewayIP net.IP
	timeout   time.Duration

	mu   sync.Mutex
	conn *net.UDPConn

	externalIP    net.IP
	lastEpochTime uint32
}

// NewNATPMPClient builds a client for the given gateway. Pass nil to discover
// the gateway from the routing table on first use.
func NewNATPMPClient(gatewayIP net.IP) *NATPMPClient {
	return &NATPMPClient{gatewayIP: gatewayIP, timeout: natpmpTimeout}
}

func (c *NATPMPClient) ensureGateway(ctx context.Context) error {
	if c.gatewayIP != nil {
		return nil
	}

	gw, err := DiscoverGateway(ctx)
	if err != nil {
		return natpmpErrorf(-1, "cannot discover gateway: %v", err)
	}

	c.gatewayIP = gw

	return nil
}

func (c *NATPMPClient) ensureConn() (*net.UDPConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}

	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: c.gatewayIP, Port: natpmpPort})
	if err != nil {
		return nil, natpmpErrorf(-1, "dialing gateway %s: %v", c.gatewayIP, err)
	}

	c.conn = conn

	return conn, nil
}

// Close releases the client's UDP socket.
func (c *NATPMPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil

		return err
	}

	return nil
}

// roundTrip sends a request and reads one response, retrying on socket
// timeout up to natpmpMaxRetries with a 1-second gap. A decode error from
// the gateway short-circuits the retries.
func (c *NATPMPClient) roundTrip(ctx context.Context, request []byte) ([]byte, error) {
	if err := c.ensureGateway(ctx); err != nil {
		return nil, err
	}

	conn, err := c.ensureConn()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 1024)

	for attempt := 1; attempt <= natpmpMaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, natpmpErrorf(-1, "cancelled: %v", err)
		}

		conn.SetDeadline(time.Now().Add(c.timeout))

		_, err = conn.Write(request)
		if err != nil {
			return nil, natpmpErrorf(-1, "sending request: %v", err)
		}

		n, err := conn.Read(buf)
		if err == nil {
			return buf[:n], nil
		}

		netErr, ok := err.(net.Error)
		if !ok || !netErr.Timeout() {
			return nil, natpmpErrorf(-1, "reading response: %v", err)
		}

		log.Debugf("NAT-PMP attempt %d/%d timed out", attempt, natpmpMaxRetries)

		if attempt < natpmpMaxRetries {
			select {
			case <-time.After(natpmpRetryGap):
			case <-ctx.Done():
				return nil, natpmpErrorf(-1, "cancelled: %v", ctx.Err())
			}
		}
	}

	return nil, natpmpErrorf(-1, "no response after %d attempts", natpmpMaxRetries)
}

// ExternalIP queries the gateway's public address (RFC 6886 section 3.1).
func (c *NATPMPClient) ExternalIP(ctx context.Context) (net.IP, error) {
	resp, err := c.roundTrip(ctx, EncodePublicAddressRequest())
	if err != nil {
		return nil, err
	}

	ip, seconds, err := DecodePublicAddressResponse(resp)
	if err != nil {
		return nil, err
	}

	c.externalIP = ip
	c.lastEpochTime = seconds

	return ip, nil
}

// AddPortMapping requests a mapping (RFC 6886 section 3.4) and returns the
// granted ports and lifetime, which may differ from what was asked for.
func (c *NATPMPClient) AddPortMapping(ctx context.Context, internalPort, externalPort uint16, lifetime uint32, protocol string) (*Mapping, error) {
	resp, err := c.roundTrip(ctx, EncodePortMappingRequest(internalPort, externalPort, lifetime, protocol))
	if err != nil {
		return nil, err
	}

	mapping, err := DecodePortMappingResponse(resp)
	if err != nil {
		return nil, err
	}

	log.Infof("NAT-PMP mapped %s port %d -> %d (lifetime: %ds)",
		mapping.Protocol, mapping.InternalPort, mapping.ExternalPort, mapping.Lifetime)

	return mapping, nil
}

// DeletePortMapping removes the mapping for an external port by requesting
// internal port 0 with a zero lifetime (RFC 6886 section 3.6).
func (c *NATPMPClient) DeletePortMapping(ctx context.Context, externalPort uint16, protocol string) error {
	_, err := c.AddPortMapping(ctx, 0, externalPort, 0, protocol)
	if err != nil {
		return err
	}

	log.Infof("NAT-PMP deleted %s mapping for port %d", protocol, externalPort)

	return nil
}
