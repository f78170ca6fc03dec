package nat

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodePublicAddressRequest(t *testing.T) {
	require.Equal(t, []byte{0x00, 0x00}, EncodePublicAddressRequest())
}

func TestEncodePortMappingRequestTCP(t *testing.T) {
	// internal=external=6881 (0x1AE1) TCP, lifetime 3600 (0xE10).
	want, err := hex.DecodeString("0002" + "0000" + "1ae1" + "1ae1" + "00000e10")
	require.NoError(t, err)
	require.Equal(t, want, EncodePortMappingRequest(6881, 6881, 3600, "tcp"))
}

func TestEncodePortMappingRequestUDP(t *testing.T) {
	raw := EncodePortMappingRequest(6881, 0, 7200, "udp")
	require.Equal(t, byte(0), raw[0])
	require.Equal(t, opMapUDP, raw[1])
	require.Equal(t, uint16(6881), binary.BigEndian.Uint16(raw[4:6]))
	require.Equal(t, uint16(0), binary.BigEndian.Uint16(raw[6:8]))
	require.Equal(t, uint32(7200), binary.BigEndian.Uint32(raw[8:12]))
}

func TestDecodePublicAddressResponse(t *testing.T) {
	resp := make([]byte, 12)
	resp[0] = 0
	resp[1] = 128
	binary.BigEndian.PutUint16(resp[2:4], 0)
	binary.BigEndian.PutUint32(resp[4:8], 1234)
	copy(resp[8:12], net.IPv4(203, 0, 113, 7).To4())

	ip, seconds, err := DecodePublicAddressResponse(resp)
	require.NoError(t, err)
	require.Equal(t, "203.0.113.7", ip.String())
	require.Equal(t, uint32(1234), seconds)
}

func TestDecodePublicAddressResponseError(t *testing.T) {
	resp := make([]byte, 12)
	binary.BigEndian.PutUint16(resp[2:4], ResultNotAuthorized)

	_, _, err := DecodePublicAddressResponse(resp)
	require.Error(t, err)

	pmpErr, ok := err.(*NATPMPError)
	require.True(t, ok)
	require.Equal(t, ResultNotAuthorized, pmpErr.Code)
	require.Contains(t, pmpErr.Error(), "not authorized")
}

func TestDecodePortMappingResponseRoundTrip(t *testing.T) {
	// Response layout: version, opcode (0x80 | request opcode), result,
	// seconds, internal, external, lifetime.
	resp := make([]byte, 16)
	resp[0] = 0
	resp[1] = 0x80 | opMapTCP
	binary.BigEndian.PutUint16(resp[2:4], 0)
	binary.BigEndian.PutUint32(resp[4:8], 99)
	binary.BigEndian.PutUint16(resp[8:10], 6881)
	binary.BigEndian.PutUint16(resp[10:12], 6881)
	binary.BigEndian.PutUint32(resp[12:16], 3600)

	mapping, err := DecodePortMappingResponse(resp)
	require.NoError(t, err)
	require.Equal(t, uint16(6881), mapping.InternalPort)
	require.Equal(t, uint16(6881), mapping.ExternalPort)
	require.Equal(t, uint32(3600), mapping.Lifetime)
	require.Equal(t, "tcp", mapping.Protocol)
}

func TestDecodePortMappingResponseShort(t *testing.T) {
	_, err := DecodePortMappingResponse(make([]byte, 8))
	require.Error(t, err)
}

func TestDecodeAllResultCodes(t *testing.T) {
	for code := 1; code <= 5; code++ {
		resp := make([]byte, 16)
		binary.BigEndian.PutUint16(resp[2:4], uint16(code))

		_, err := DecodePortMappingResponse(resp)
		require.Error(t, err)

		pmpErr, ok := err.(*NATPMPError)
		require.True(t, ok)
		require.Equal(t, code, pmpErr.Code)
	}
}

// fakeGateway answers NAT-PMP requests on a loopback UDP socket.
func fakeGateway(t *testing.T, handler func(request []byte) []byte) *net.UDPAddr {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1024)

		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}

			resp := handler(buf[:n])
			if resp != nil {
				conn.WriteToUDP(resp, addr)
			}
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr)
}

func TestNATPMPClientAddMapping(t *testing.T) {
	// End-to-end scenario: the exact request frame for 6881/tcp/3600 and the
	// gateway's matching response.
	wantRequest, err := hex.DecodeString("000200001ae11ae100000e10")
	require.NoError(t, err)

	gateway := fakeGateway(t, func(request []byte) []byte {
		require.Equal(t, wantRequest, request)

		resp := make([]byte, 16)
		resp[1] = 0x80 | opMapTCP
		binary.BigEndian.PutUint32(resp[4:8], 42)
		binary.BigEndian.PutUint16(resp[8:10], 6881)
		binary.BigEndian.PutUint16(resp[10:12], 6881)
		binary.BigEndian.PutUint32(resp[12:16], 3600)

		return resp
	})

	client := &NATPMPClient{gatewayIP: gateway.IP, timeout: 2 * time.Second}
	client.mu.Lock()
	conn, err := net.DialUDP("udp4", nil, gateway)
	require.NoError(t, err)
	client.conn = conn
	client.mu.Unlock()

	defer client.Close()

	mapping, err := client.AddPortMapping(context.Background(), 6881, 6881, 3600, "tcp")
	require.NoError(t, err)
	require.Equal(t, uint16(6881), mapping.InternalPort)
	require.Equal(t, uint16(6881), mapping.ExternalPort)
	require.Equal(t, uint32(3600), mapping.Lifetime)
	require.Equal(t, "tcp", mapping.Protocol)
}

func TestNATPMPClientExternalIP(t *testing.T) {
	gateway := fakeGateway(t, func(request []byte) []byte {
		require.Equal(t, EncodePublicAddressRequest(), request)

		resp := make([]byte, 12)
		resp[1] = 128
		binary.BigEndian.PutUint32(resp[4:8], 7)
		copy(resp[8:12], net.IPv4(198, 51, 100, 23).To4())

		return resp
	})

	client := &NATPMPClient{gatewayIP: gateway.IP, timeout: 2 * time.Second}
	client.mu.Lock()
	conn, err := net.DialUDP("udp4", nil, gateway)
	require.NoError(t, err)
	client.conn = conn
	client.mu.Unlock()

	defer client.Close()

	ip, err := client.ExternalIP(context.Background())
	require.NoError(t, err)
	require.Equal(t, "198.51.100.23", ip.String())
}

func TestNATPMPClientGatewayError(t *testing.T) {
	gateway := fakeGateway(t, func(request []byte) []byte {
		resp := make([]byte, 16)
		binary.BigEndian.PutUint16(resp[2:4], ResultOutOfResources)

		return resp
	})

	client := &NATPMPClient{gatewayIP: gateway.IP, timeout: 2 * time.Second}
	client.mu.Lock()
	conn, err := net.DialUDP("udp4", nil, gateway)
	require.NoError(t, err)
	client.conn = conn
	client.mu.Unlock()

	defer client.Close()

	_, err = client.AddPortMapping(context.Background(), 6881, 6881, 3600, "tcp")
	require.Error(t, err)

	pmpErr, ok := err.(*NATPMPError)
	require.True(t, ok)
	require.Equal(t, ResultOutOfResources, pmpErr.Code)
}

func TestParseUnixRoute(t *testing.T) {
	gw := parseUnixRoute("default via 192.168.1.1 dev eth0 proto dhcp metric 100\n")
	require.NotNil(t, gw)
	require.Equal(t, "192.168.1.1", gw.String())

	gw = parseUnixRoute("   route to: default\n  gateway: 10.0.0.254\n  interface: en0\n")
	require.NotNil(t, gw)
	require.Equal(t, "10.0.0.254", gw.String())

	require.Nil(t, parseUnixRoute("no default route here\n"))
}

func TestParseWindowsRoute(t *testing.T) {
	output := "Network Destination        Netmask          Gateway       Interface  Metric\n" +
		"          0.0.0.0          0.0.0.0      192.168.1.1    192.168.1.100     25\n"

	gw := parseWindowsRoute(output)
	require.NotNil(t, gw)
	require.Equal(t, "192.168.1.1", gw.String())

	require.Nil(t, parseWindowsRoute("          0.0.0.0          0.0.0.0      On-Link    192.168.1.100     25\n"))
}
