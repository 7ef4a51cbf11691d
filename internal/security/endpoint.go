package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Hostnames that must never be dialed from the server, regardless of
// what they resolve to.
var blockedHosts = []string{
	"localhost",
	"metadata.google.internal",
	"metadata.google",
}

// ValidateOutboundURL checks that a configured URL is safe to dial from
// the server, guarding against SSRF via the model-endpoint setting.
// Loopback, private, link-local, and unspecified addresses are rejected;
// hostnames are resolved and every address checked.
func ValidateOutboundURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}

	host := u.Hostname()
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("host %q is not allowed", host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkOutboundIP(ip)
	}

	addrs, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("cannot resolve host %q", host)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := checkOutboundIP(ip); err != nil {
				return fmt.Errorf("host %q resolves to blocked address: %v", host, err)
			}
		}
	}
	return nil
}

func checkOutboundIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback address not allowed")
	case ip.IsPrivate():
		return fmt.Errorf("private address not allowed")
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local address not allowed")
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified address not allowed")
	}
	return nil
}
