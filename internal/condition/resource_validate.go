package condition

import (
	"fmt"
	"net"
	"strings"

	"github.com/boundarymesh/controlplane/internal/domain"
)

// ValidateResourceAddress enforces the per-type address invariants from the
// resource table (§3): internet resources carry no address, dns addresses
// must be a syntactically valid (possibly wildcarded) hostname, and ip/cidr
// addresses must normalize to a non-loopback, non-reserved address. It
// returns the canonical form of addr to persist.
func ValidateResourceAddress(t domain.ResourceType, addr string) (string, error) {
	switch t {
	case domain.ResourceTypeInternet:
		if addr != "" {
			return "", fmt.Errorf("internet resource must not carry an address")
		}
		return "", nil

	case domain.ResourceTypeDNS:
		if err := ValidateDNSHostname(addr); err != nil {
			return "", err
		}
		return addr, nil

	case domain.ResourceTypeIP:
		return ValidateIPAddress(addr)

	case domain.ResourceTypeCIDR:
		return ValidateCIDRAddress(addr)

	default:
		return "", fmt.Errorf("unknown resource type %q", t)
	}
}

// ValidateDNSHostname accepts a hostname optionally prefixed by one or more
// wildcard labels (made up entirely of '*'/'?' characters, e.g. "**" or
// "?"), requiring at least two concrete labels remain after stripping them.
// Rejects IP literals, leading/trailing/empty labels, and a trailing port.
func ValidateDNSHostname(h string) error {
	if h == "" {
		return fmt.Errorf("hostname must not be empty")
	}
	if strings.Contains(h, ":") {
		return fmt.Errorf("hostname %q must not include a port", h)
	}
	if net.ParseIP(h) != nil {
		return fmt.Errorf("hostname %q is an IP literal, use an ip or cidr resource instead", h)
	}
	if strings.HasPrefix(h, ".") || strings.HasSuffix(h, ".") {
		return fmt.Errorf("hostname %q must not start or end with '.'", h)
	}

	labels := strings.Split(h, ".")
	for _, l := range labels {
		if l == "" {
			return fmt.Errorf("hostname %q has an empty label", h)
		}
	}

	i := 0
	for i < len(labels) && isWildcardLabel(labels[i]) {
		i++
	}
	concrete := labels[i:]
	if len(concrete) < 2 {
		return fmt.Errorf("hostname %q needs at least two concrete labels after any wildcard prefix", h)
	}
	for _, l := range concrete {
		if !isValidDNSLabel(l) {
			return fmt.Errorf("hostname %q has an invalid label %q", h, l)
		}
	}
	return nil
}

// isWildcardLabel reports whether a label consists entirely of '*'/'?'
// glob characters, e.g. "*", "**", "?".
func isWildcardLabel(l string) bool {
	for _, r := range l {
		if r != '*' && r != '?' {
			return false
		}
	}
	return true
}

func isValidDNSLabel(l string) bool {
	if len(l) == 0 || len(l) > 63 {
		return false
	}
	for i, r := range l {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' && i != 0 && i != len(l)-1:
		default:
			return false
		}
	}
	return true
}

// ValidateIPAddress parses ipStr, rejects loopback/unspecified/multicast/
// link-local addresses, and returns the canonical string form.
func ValidateIPAddress(ipStr string) (string, error) {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "", fmt.Errorf("%q is not a valid IP address", ipStr)
	}
	if err := checkNotReserved(ip); err != nil {
		return "", err
	}
	return ip.String(), nil
}

// ValidateCIDRAddress parses cidrStr, rejects a network whose address is
// loopback/unspecified/multicast/link-local, and normalizes it via
// NormalizeCIDR (host bits zeroed).
func ValidateCIDRAddress(cidrStr string) (string, error) {
	ip, _, err := net.ParseCIDR(cidrStr)
	if err != nil {
		return "", fmt.Errorf("%q is not a valid CIDR: %w", cidrStr, err)
	}
	if err := checkNotReserved(ip); err != nil {
		return "", err
	}
	return NormalizeCIDR(cidrStr)
}

func checkNotReserved(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%s is a loopback address", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("%s is an unspecified address", ip)
	case ip.IsMulticast():
		return fmt.Errorf("%s is a multicast address", ip)
	case ip.IsLinkLocalUnicast():
		return fmt.Errorf("%s is a link-local address", ip)
	case ip.IsLinkLocalMulticast():
		return fmt.Errorf("%s is a link-local multicast address", ip)
	default:
		return nil
	}
}
