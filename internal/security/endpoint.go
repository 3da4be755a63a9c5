package security

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// hostDenylist names hosts that must never receive server-side requests,
// whatever they resolve to.
var hostDenylist = []string{
	"localhost",
	"metadata.google.internal",
	"metadata.google",
}

// ValidateEndpointURL rejects URLs that could turn a server-side request
// into a probe of the deployment's own network: loopback, private,
// link-local and unspecified addresses are refused, for the literal host
// as well as everything it resolves to.
func ValidateEndpointURL(rawURL string) error {
	return validateEndpoint(rawURL, net.LookupHost)
}

func validateEndpoint(rawURL string, lookup func(string) ([]string, error)) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}

	host := u.Hostname()
	for _, deny := range hostDenylist {
		if strings.EqualFold(host, deny) {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}

	// An IP literal is checked directly; no resolution involved.
	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	resolved, err := lookup(host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, raw := range resolved {
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			continue
		}
		if err := checkAddr(addr); err != nil {
			return fmt.Errorf("URL host %q resolves to blocked address: %v", host, err)
		}
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	switch {
	case addr.IsLoopback():
		return fmt.Errorf("loopback addresses are not allowed")
	case addr.IsPrivate():
		return fmt.Errorf("private addresses are not allowed")
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return fmt.Errorf("link-local addresses are not allowed")
	case addr.IsUnspecified():
		return fmt.Errorf("unspecified addresses are not allowed")
	}
	return nil
}
