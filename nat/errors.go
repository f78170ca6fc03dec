package nat

import "fmt"

// NATPMPResult codes from RFC 6886 section 3.2.
const (
	ResultSuccess            = 0
	ResultUnsupportedVersion = 1
	ResultNotAuthorized      = 2
	ResultNetworkFailure     = 3
	ResultOutOfResources     = 4
	ResultUnsupportedOpcode  = 5
)

var resultNames = map[int]string{
	ResultUnsupportedVersion: "unsupported version",
	ResultNotAuthorized:      "not authorized",
	ResultNetworkFailure:     "network failure",
	ResultOutOfResources:     "out of resources",
	ResultUnsupportedOpcode:  "unsupported opcode",
}

// NATPMPError reports a NAT-PMP failure, carrying the RFC 6886 result code
// when the gateway returned one (Code is -1 for local failures).
type NATPMPError struct {
	Code   int
	Detail string
}

func (e *NATPMPError) Error() string {
	if e.Code >= 0 {
		name, ok := resultNames[e.Code]
		if !ok {
			name = fmt.Sprintf("unknown(%d)", e.Code)
		}

		return fmt.Sprintf("natpmp: %s: %s", name, e.Detail)
	}

	return fmt.Sprintf("natpmp: %s", e.Detail)
}

func natpmpErrorf(code int, format string, args ...interface{}) *NATPMPError {
	return &NATPMPError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// UPnPError reports a UPnP discovery or SOAP failure. Code carries the UPnP
// error code from a SOAP fault, or 0 when none was present.
type UPnPError struct {
	Code   int
	Detail string
}

func (e *UPnPError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("upnp: error %d: %s", e.Code, e.Detail)
	}

	return fmt.Sprintf("upnp: %s", e.Detail)
}

func upnpErrorf(code int, format string, args ...interface{}) *UPnPError {
	return &UPnPError{Code: code, Detail: fmt.Sprintf(format, args...)}
}
