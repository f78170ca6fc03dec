package nat

import (
	"context"
	"net"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const routeCommandTimeout = 5 * time.Second

// DiscoverGateway finds the default-route gateway by parsing the operating
// system's routing table (RFC 6886 section 3.3: the NAT-PMP gateway is the
// default gateway). Returns an error when no gateway can be determined,
// which leaves the NAT-PMP client inoperative.
func DiscoverGateway(ctx context.Context) (net.IP, error) {
	ctx, cancel := context.WithTimeout(ctx, routeCommandTimeout)
	defer cancel()

	if runtime.GOOS == "windows" {
		out, err := exec.CommandContext(ctx, "route", "print", "0.0.0.0").Output()
		if err != nil {
			return nil, errors.Wrap(err, "route print")
		}

		if gw := parseWindowsRoute(string(out)); gw != nil {
			return gw, nil
		}

		return nil, errors.New("no default gateway in route print output")
	}

	// Try ip route first (Linux), then route -n get (macOS and BSDs).
	commands := [][]string{
		{"ip", "route", "show", "default"},
		{"route", "-n", "get", "default"},
	}

	var lastErr error

	for _, cmd := range commands {
		out, err := exec.CommandContext(ctx, cmd[0], cmd[1:]...).Output()
		if err != nil {
			lastErr = err
			continue
		}

		if gw := parseUnixRoute(string(out)); gw != nil {
			return gw, nil
		}
	}

	if lastErr != nil {
		return nil, errors.Wrap(lastErr, "querying default route")
	}

	return nil, errors.New("no default gateway in route output")
}

// parseWindowsRoute extracts the gateway column from `route print 0.0.0.0`.
// Format: "0.0.0.0          0.0.0.0         192.168.1.1     192.168.1.100".
func parseWindowsRoute(output string) net.IP {
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "0.0.0.0") || strings.Contains(line, "On-Link") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}

		if gw := net.ParseIP(fields[2]); gw != nil && gw.To4() != nil {
			return gw.To4()
		}
	}

	return nil
}

// parseUnixRoute extracts the gateway from `ip route show default`
// ("default via 192.168.1.1 dev eth0") or `route -n get default`
// ("gateway: 192.168.1.1").
func parseUnixRoute(output string) net.IP {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)

		for i, f := range fields {
			if (f == "via" || f == "gateway:") && i+1 < len(fields) {
				candidate := strings.SplitN(fields[i+1], "/", 2)[0]

				if gw := net.ParseIP(candidate); gw != nil && gw.To4() != nil {
					return gw.To4()
				}
			}
		}
	}

	return nil
}

// OutboundIP determines the local interface address used to reach the
// internet via a UDP connect probe. No packets are sent.
func OutboundIP() (net.IP, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return nil, errors.Wrap(err, "probing outbound interface")
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, errors.New("unexpected local address type")
	}

	log.Debugf("Detected outbound interface IP: %s", addr.IP)

	return addr.IP, nil
}
