package nat

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

// SSDP constants (UPnP Device Architecture 1.1).
const (
	ssdpMulticastIP   = "239.255.255.250"
	ssdpMulticastPort = 1900
	ssdpListenWindow  = 5 * time.Second
	ssdpRetries       = 3
)

// UPnP IGD service identifiers.
const (
	ServiceWANIPConnection1 = "urn:schemas-upnp-org:service:WANIPConnection:1"
	ServiceWANIPConnection2 = "urn:schemas-upnp-org:service:WANIPConnection:2"
	DeviceIGD1              = "urn:schemas-upnp-org:device:InternetGatewayDevice:1"
)

const upnpHTTPTimeout = 10 * time.Second

// upnpErrorHints maps well-known UPnP error codes to remediation hints.
var upnpErrorHints = map[int]string{
	402: "Invalid Args - check parameter formats",
	501: "Action Failed - router rejected the request",
	606: "Action not authorized - configure manual port forwarding on the router",
	714: "NoSuchEntryInArray - port mapping not found",
	715: "WildCardNotPermittedInSrcIP - invalid remote host parameter",
	716: "WildCardNotPermittedInExtPort - invalid external port",
	718: "ConflictInMappingEntry - port may already be in use",
	724: "SamePortValuesRequired - internal and external ports must match",
	725: "OnlyPermanentLeasesSupported - request a zero lease duration",
	726: "RemoteHostOnlySupportsWildcard - remote host must be empty",
}

// ErrorHint returns the remediation hint for a UPnP error code, if known.
func ErrorHint(code int) string {
	return upnpErrorHints[code]
}

// SSDPDevice is one discovered IGD candidate.
type SSDPDevice struct {
	Location string
	Server   string
	USN      string
}

// BuildMSearchRequest builds an SSDP M-SEARCH datagram for a search target.
// MX is held at 3 so slow routers have time to answer.
func BuildMSearchRequest(searchTarget string) []byte {
	msg := "M-SEARCH * HTTP/1.1\r\n" +
		fmt.Sprintf("HOST: %s:%d\r\n", ssdpMulticastIP, ssdpMulticastPort) +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: 3\r\n" +
		fmt.Sprintf("ST: %s\r\n", searchTarget) +
		"\r\n"

	return []byte(msg)
}

// ParseSSDPResponse parses the HTTP-like headers of an SSDP response into a
// lower-cased key map. The status line is skipped.
func ParseSSDPResponse(response []byte) map[string]string {
	headers := make(map[string]string)
	lines := strings.Split(string(response), "\r\n")

	for _, line := range lines[1:] {
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}

		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		headers[key] = strings.TrimSpace(line[idx+1:])
	}

	return headers
}

// isIGDResponse reports whether the ST or NT header names an IGD device or
// WANIPConnection service.
func isIGDResponse(headers map[string]string) bool {
	st := headers["st"]
	nt := headers["nt"]

	return strings.Contains(st, "InternetGatewayDevice") ||
		strings.Contains(st, "WANIPConnection") ||
		strings.Contains(nt, "InternetGatewayDevice") ||
		strings.Contains(nt, "WANIPConnection")
}

// multicastInterface finds the network interface owning the outbound IP, for
// explicit multicast interface selection.
func multicastInterface() *net.Interface {
	local, err := OutboundIP()
	if err != nil {
		return nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if ok && ipNet.IP.Equal(local) {
				return &ifaces[i]
			}
		}
	}

	return nil
}

// DiscoverDevices sends SSDP M-SEARCH datagrams for the WANIPConnection
// service type, the IGD device type and ssdp:all, then collects distinct
// LOCATION URLs over a 5-second listen window. Discovery is retried up to
// 3 times with 0.5s/1.0s backoff if no devices answered.
func DiscoverDevices(ctx context.Context) ([]SSDPDevice, error) {
	var devices []SSDPDevice

	seen := make(map[string]struct{})
	groupAddr := &net.UDPAddr{IP: net.ParseIP(ssdpMulticastIP), Port: ssdpMulticastPort}
	iface := multicastInterface()

	for attempt := 1; attempt <= ssdpRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return devices, errors.Wrap(err, "ssdp discovery cancelled")
		}

		err := func() error {
			conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
			if err != nil {
				return errors.Wrap(err, "binding ssdp socket")
			}
			defer conn.Close()

			packetConn := ipv4.NewPacketConn(conn)
			if err := packetConn.JoinGroup(iface, groupAddr); err != nil {
				// Some stacks deliver unicast M-SEARCH replies without membership.
				log.Debugf("Could not join SSDP multicast group: %v", err)
			}

			if runtime.GOOS == "windows" && iface != nil {
				// Windows routes multicast out the wrong interface unless told otherwise.
				if err := packetConn.SetMulticastInterface(iface); err != nil {
					log.Debugf("Could not set multicast interface: %v", err)
				}
			}

			searchTargets := []string{ServiceWANIPConnection1, DeviceIGD1, "ssdp:all"}
			for _, st := range searchTargets {
				_, err = conn.WriteTo(BuildMSearchRequest(st), groupAddr)
				if err != nil {
					log.Debugf("Failed to send M-SEARCH for %s: %v", st, err)
				}
			}

			deadline := time.Now().Add(ssdpListenWindow)
			conn.SetReadDeadline(deadline)
			buf := make([]byte, 4096)

			for time.Now().Before(deadline) {
				n, addr, err := conn.ReadFrom(buf)
				if err != nil {
					break
				}

				headers := ParseSSDPResponse(buf[:n])
				location := headers["location"]

				if !isIGDResponse(headers) || location == "" {
					continue
				}

				if _, dup := seen[location]; dup {
					continue
				}

				seen[location] = struct{}{}
				devices = append(devices, SSDPDevice{
					Location: location,
					Server:   headers["server"],
					USN:      headers["usn"],
				})

				log.Infof("Found UPnP IGD device at %s (from %s)", location, addr)
			}

			return nil
		}()
		if err != nil {
			log.Debugf("SSDP discovery attempt %d/%d failed: %v", attempt, ssdpRetries, err)
		}

		if len(devices) > 0 {
			break
		}

		if attempt < ssdpRetries {
			backoff := time.Duration(attempt) * 500 * time.Millisecond

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return devices, errors.Wrap(ctx.Err(), "ssdp discovery cancelled")
			}
		}
	}

	if len(devices) == 0 {
		log.Warnf("UPnP discovery found no IGD devices after %d attempts; check that UPnP is enabled on the router", ssdpRetries)
	}

	return devices, nil
}

// deviceDescription mirrors the relevant parts of a UPnP device description
// document. Devices nest recursively, so the walk is recursive too.
type deviceDescription struct {
	Device deviceEntry `xml:"device"`
}

type deviceEntry struct {
	DeviceType string         `xml:"deviceType"`
	Services   []serviceEntry `xml:"serviceList>service"`
	Devices    []deviceEntry  `xml:"deviceList>device"`
}

type serviceEntry struct {
	ServiceType string `xml:"serviceType"`
	ControlURL  string `xml:"controlURL"`
}

func findWANIPService(dev *deviceEntry) *serviceEntry {
	for i := range dev.Services {
		if strings.Contains(dev.Services[i].ServiceType, "WANIPConnection") {
			return &dev.Services[i]
		}
	}

	for i := range dev.Devices {
		if svc := findWANIPService(&dev.Devices[i]); svc != nil {
			return svc
		}
	}

	return nil
}

// ServiceInfo is the control endpoint extracted from a device description.
type ServiceInfo struct {
	ControlURL  string
	ServiceType string
}

// FetchDeviceDescription downloads the device description XML from the
// SSDP LOCATION URL (10s timeout, 2 attempts) and locates the
// WANIPConnection control URL, joined against the device URL.
func FetchDeviceDescription(ctx context.Context, locationURL string) (*ServiceInfo, error) {
	client := &http.Client{Timeout: upnpHTTPTimeout}

	var body []byte
	var lastErr error

	for attempt := 1; attempt <= 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, locationURL, nil)
		if err != nil {
			return nil, upnpErrorf(0, "building description request: %v", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = upnpErrorf(0, "fetching device description: %v", err)
			time.Sleep(500 * time.Millisecond)

			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			lastErr = upnpErrorf(0, "fetching device description: HTTP %d", resp.StatusCode)
			time.Sleep(500 * time.Millisecond)

			continue
		}

		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()

		if err != nil {
			lastErr = upnpErrorf(0, "reading device description: %v", err)
			continue
		}

		lastErr = nil

		break
	}

	if lastErr != nil {
		return nil, lastErr
	}

	// Strict entity handling off: router descriptions are frequently sloppy XML.
	decoder := xml.NewDecoder(bytes.NewReader(body))
	decoder.Strict = false

	var desc deviceDescription
	if err := decoder.Decode(&desc); err != nil {
		return nil, upnpErrorf(0, "parsing device description: %v", err)
	}

	svc := findWANIPService(&desc.Device)
	if svc == nil {
		return nil, upnpErrorf(0, "no WANIPConnection service in device description")
	}

	base, err := url.Parse(locationURL)
	if err != nil {
		return nil, upnpErrorf(0, "parsing location URL: %v", err)
	}

	control, err := url.Parse(svc.ControlURL)
	if err != nil {
		return nil, upnpErrorf(0, "parsing control URL: %v", err)
	}

	return &ServiceInfo{
		ControlURL:  base.ResolveReference(control).String(),
		ServiceType: svc.ServiceType,
	}, nil
}

// BuildSOAPAction builds the SOAP envelope for a UPnP action.
func BuildSOAPAction(actionName, serviceType string, parameters [][2]string) string {
	var params strings.Builder
	for _, kv := range parameters {
		fmt.Fprintf(&params, "    <%s>%s</%s>\n", kv[0], kv[1], kv[0])
	}

	return fmt.Sprintf(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"
            s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
  <s:Body>
    <u:%s xmlns:u="%s">
%s    </u:%s>
  </s:Body>
</s:Envelope>`, actionName, serviceType, params.String(), actionName)
}

// soapFault mirrors the SOAP fault carried in error responses, including the
// UPnP error detail.
type soapFault struct {
	FaultCode   string `xml:"faultcode"`
	FaultString string `xml:"faultstring"`
	Detail      struct {
		UPnPError struct {
			ErrorCode        string `xml:"errorCode"`
			ErrorDescription string `xml:"errorDescription"`
		} `xml:"UPnPError"`
	} `xml:"detail"`
}

// parseSOAPBody walks the response document and returns either the response
// parameter map (from the <ActionName>Response element) or the SOAP fault.
func parseSOAPBody(body []byte) (map[string]string, *soapFault, error) {
	decoder := xml.NewDecoder(bytes.NewReader(body))
	decoder.Strict = false

	params := make(map[string]string)

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, nil, err
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		if start.Name.Local == "Fault" {
			var fault soapFault
			if err := decoder.DecodeElement(&fault, &start); err != nil {
				return nil, nil, err
			}

			return nil, &fault, nil
		}

		if strings.HasSuffix(start.Name.Local, "Response") {
			depth := 1
			var field string

			for depth > 0 {
				tok, err := decoder.Token()
				if err != nil {
					return nil, nil, err
				}

				switch t := tok.(type) {
				case xml.StartElement:
					depth++
					field = t.Name.Local
				case xml.EndElement:
					depth--
					field = ""
				case xml.CharData:
					if field != "" {
						params[field] += string(t)
					}
				}
			}

			return params, nil, nil
		}
	}

	return params, nil, nil
}

// sendSOAPAction posts a SOAP envelope to the control URL and parses the
// response. Routers regularly answer HTTP 500 with a valid fault body, so
// the body is parsed before the status code is reported.
func sendSOAPAction(ctx context.Context, controlURL, actionName, serviceType string, parameters [][2]string) (map[string]string, error) {
	envelope := BuildSOAPAction(actionName, serviceType, parameters)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, controlURL, strings.NewReader(envelope))
	if err != nil {
		return nil, upnpErrorf(0, "building SOAP request: %v", err)
	}

	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", fmt.Sprintf("%q", serviceType+"#"+actionName))

	client := &http.Client{Timeout: upnpHTTPTimeout}

	resp, err := client.Do(req)
	if err != nil {
		return nil, upnpErrorf(0, "%s: %v", actionName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, upnpErrorf(0, "%s: reading response: %v", actionName, err)
	}

	params, fault, parseErr := parseSOAPBody(body)
	if parseErr != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, upnpErrorf(0, "%s: HTTP %d (response not parseable)", actionName, resp.StatusCode)
		}

		return nil, upnpErrorf(0, "%s: parsing SOAP response: %v", actionName, parseErr)
	}

	if fault != nil {
		code, _ := strconv.Atoi(fault.Detail.UPnPError.ErrorCode)
		detail := fault.FaultString

		if desc := fault.Detail.UPnPError.ErrorDescription; desc != "" {
			detail = fmt.Sprintf("%s: %s", fault.FaultString, desc)
		}

		if hint := ErrorHint(code); hint != "" {
			detail = fmt.Sprintf("%s (%s)", detail, hint)
		}

		return nil, upnpErrorf(code, "%s: SOAP fault %s - %s", actionName, fault.FaultCode, detail)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, upnpErrorf(0, "%s: HTTP %d", actionName, resp.StatusCode)
	}

	return params, nil
}

// UPnPClient drives a discovered IGD's WANIPConnection service over SOAP.
type UPnPClient struct {
	deviceURL   string
	controlURL  string
	serviceType string
	description string
}

// NewUPnPClient builds a client. Pass an empty deviceURL to auto-discover
// on first use. The description labels mappings created by this client.
func NewUPnPClient(deviceURL, description string) *UPnPClient {
	if description == "" {
		description = "TorrentCore"
	}

	return &UPnPClient{deviceURL: deviceURL, serviceType: ServiceWANIPConnection1, description: description}
}

// ClearCache drops the cached device and control URLs to force re-discovery.
func (c *UPnPClient) ClearCache() {
	c.deviceURL = ""
	c.controlURL = ""
}

// Discover locates an IGD and resolves its WANIPConnection control URL.
func (c *UPnPClient) Discover(ctx context.Context) (bool, error) {
	if c.deviceURL == "" {
		devices, err := DiscoverDevices(ctx)
		if err != nil {
			return false, err
		}

		if len(devices) == 0 {
			return false, nil
		}

		c.deviceURL = devices[0].Location
	}

	info, err := FetchDeviceDescription(ctx, c.deviceURL)
	if err != nil {
		return false, err
	}

	c.controlURL = info.ControlURL
	if info.ServiceType != "" {
		c.serviceType = info.ServiceType
	}

	return true, nil
}

func (c *UPnPClient) ensureControlURL(ctx context.Context) error {
	if c.controlURL != "" {
		return nil
	}

	ok, err := c.Discover(ctx)
	if err != nil {
		return err
	}

	if !ok {
		return upnpErrorf(0, "no IGD device discovered")
	}

	return nil
}

// ExternalIP queries the router's external address via GetExternalIPAddress.
func (c *UPnPClient) ExternalIP(ctx context.Context) (net.IP, error) {
	if err := c.ensureControlURL(ctx); err != nil {
		return nil, err
	}

	resp, err := sendSOAPAction(ctx, c.controlURL, "GetExternalIPAddress", c.serviceType, nil)
	if err != nil {
		return nil, err
	}

	ipStr := resp["NewExternalIPAddress"]

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil, upnpErrorf(0, "invalid external IP address %q", ipStr)
	}

	return ip, nil
}

// AddPortMapping creates a mapping via AddPortMapping. Any stale mapping on
// the same external port is deleted first (error 714 tolerated) because many
// routers reject conflicting entries. The internal client IP is the host's
// outbound-interface address; routers commonly reject empty strings.
func (c *UPnPClient) AddPortMapping(ctx context.Context, internalPort, externalPort uint16, protocol string, leaseDuration uint32) error {
	if err := c.ensureControlURL(ctx); err != nil {
		return err
	}

	internalIP := ""
	if ip, err := OutboundIP(); err == nil {
		internalIP = ip.String()
	} else {
		log.Warnf("Could not determine local IP for UPnP mapping: %v; the router may reject the request", err)
	}

	_, err := c.DeletePortMapping(ctx, externalPort, protocol)
	if err != nil {
		upnpErr, ok := err.(*UPnPError)
		if !ok || upnpErr.Code != 714 {
			log.Debugf("Pre-delete of %s:%d failed: %v", protocol, externalPort, err)
		}
	}

	params := [][2]string{
		{"NewRemoteHost", ""},
		{"NewExternalPort", strconv.Itoa(int(externalPort))},
		{"NewProtocol", strings.ToUpper(protocol)},
		{"NewInternalPort", strconv.Itoa(int(internalPort))},
		{"NewInternalClient", internalIP},
		{"NewEnabled", "1"},
		{"NewPortMappingDescription", c.description},
		{"NewLeaseDuration", strconv.FormatUint(uint64(leaseDuration), 10)},
	}

	_, err = sendSOAPAction(ctx, c.controlURL, "AddPortMapping", c.serviceType, params)
	if err != nil {
		return err
	}

	log.Infof("UPnP mapped %s port %d -> %d (lease: %ds, internal IP: %s)",
		strings.ToUpper(protocol), internalPort, externalPort, leaseDuration, internalIP)

	return nil
}

// DeletePortMapping removes a mapping. Error 714 (no such entry) is a
// no-op and returns false; other errors propagate.
func (c *UPnPClient) DeletePortMapping(ctx context.Context, externalPort uint16, protocol string) (bool, error) {
	if err := c.ensureControlURL(ctx); err != nil {
		return false, err
	}

	params := [][2]string{
		{"NewRemoteHost", ""},
		{"NewExternalPort", strconv.Itoa(int(externalPort))},
		{"NewProtocol", strings.ToUpper(protocol)},
	}

	_, err := sendSOAPAction(ctx, c.controlURL, "DeletePortMapping", c.serviceType, params)
	if err != nil {
		upnpErr, ok := err.(*UPnPError)
		if ok && upnpErr.Code == 714 {
			return false, nil
		}

		return false, err
	}

	log.Infof("UPnP deleted %s mapping for port %d", strings.ToUpper(protocol), externalPort)

	return true, nil
}

// PortMappings lists the router's mappings via GetGenericPortMappingEntry,
// iterating indices until error 713/714 signals the end of the list.
// Routers without the action yield an empty list.
func (c *UPnPClient) PortMappings(ctx context.Context) ([]map[string]string, error) {
	if err := c.ensureControlURL(ctx); err != nil {
		return nil, err
	}

	var mappings []map[string]string

	for index := 0; ; index++ {
		params := [][2]string{{"NewPortMappingIndex", strconv.Itoa(index)}}

		resp, err := sendSOAPAction(ctx, c.controlURL, "GetGenericPortMappingEntry", c.serviceType, params)
		if err != nil {
			upnpErr, ok := err.(*UPnPError)
			if ok && (upnpErr.Code == 713 || upnpErr.Code == 714) {
				break
			}

			log.Debugf("GetGenericPortMappingEntry stopped at index %d: %v", index, err)

			break
		}

		mappings = append(mappings, resp)
	}

	return mappings, nil
}

// ClearAllMappings deletes every router mapping whose description matches
// this client's label. Used on startup to sweep stale entries from previous
// sessions.
func (c *UPnPClient) ClearAllMappings(ctx context.Context) int {
	mappings, err := c.PortMappings(ctx)
	if err != nil {
		log.Debugf("Cannot query mappings for cleanup: %v", err)
		return 0
	}

	deleted := 0

	for _, m := range mappings {
		if !strings.Contains(strings.ToLower(m["NewPortMappingDescription"]), strings.ToLower(c.description)) {
			continue
		}

		port, err := strconv.ParseUint(m["NewExternalPort"], 10, 16)
		if err != nil || port == 0 {
			continue
		}

		ok, err := c.DeletePortMapping(ctx, uint16(port), m["NewProtocol"])
		if err != nil {
			log.Debugf("Failed to delete mapping during cleanup: %v", err)
			continue
		}

		if ok {
			deleted++
		}
	}

	if deleted > 0 {
		log.Infof("Cleared %d stale port mapping(s) labeled %q", deleted, c.description)
	}

	return deleted
}
