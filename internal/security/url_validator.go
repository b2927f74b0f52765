// Package security provides input validation and log redaction for the
// HTTP host.
package security

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Render target errors.
var (
	ErrInvalidURL       = errors.New("invalid URL")
	ErrBlockedScheme    = errors.New("URL scheme not allowed")
	ErrPrivateIPBlocked = errors.New("private/internal IP addresses are not allowed")
	ErrLocalhostBlocked = errors.New("localhost URLs are not allowed")
	ErrMetadataBlocked  = errors.New("cloud metadata URLs are not allowed")
)

// remoteSchemes may be rendered for any caller. Other schemes the render API
// accepts (file, data) read local state and need AllowPrivate.
var remoteSchemes = map[string]bool{
	"http":  true,
	"https": true,
}

var localSchemes = map[string]bool{
	"file": true,
	"data": true,
}

// localHostnames resolve to the host itself.
var localHostnames = map[string]bool{
	"localhost":             true,
	"localhost.localdomain": true,
	"local":                 true,
	"ip6-localhost":         true,
	"ip6-loopback":          true,
}

var cloudMetadataIPs = []net.IP{
	net.ParseIP("169.254.169.254"), // AWS, GCP, Azure, DigitalOcean, OpenStack
	net.ParseIP("169.254.170.2"),   // AWS ECS task metadata
	net.ParseIP("100.100.100.200"), // Alibaba Cloud
	net.ParseIP("192.0.0.192"),     // Oracle Cloud
	net.ParseIP("fd00:ec2::254"),   // AWS IPv6
}

// TargetPolicy decides which URLs the HTTP host will hand to a browser.
type TargetPolicy struct {
	// AllowPrivate permits loopback, private and link-local targets as well
	// as file: and data: URLs. Cloud metadata addresses stay blocked.
	AllowPrivate bool
	// Resolve looks up hostnames; nil uses net.LookupIP.
	Resolve func(host string) ([]net.IP, error)
}

// Check returns an error if rawURL may not be rendered.
// Numeric host encodings (decimal, octal, hex, shortened) and IPv4-mapped
// IPv6 forms are normalized before the address checks.
func (p TargetPolicy) Check(rawURL string) error {
	if rawURL == "" {
		return ErrInvalidURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrInvalidURL
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch {
	case remoteSchemes[scheme]:
	case localSchemes[scheme] && p.AllowPrivate:
		return nil
	default:
		return ErrBlockedScheme
	}

	hostname := strings.ToLower(parsed.Hostname())
	if hostname == "" {
		return ErrInvalidURL
	}
	if isMetadataHost(hostname) {
		return ErrMetadataBlocked
	}
	if !p.AllowPrivate && isLocalhostHostname(hostname) {
		return ErrLocalhostBlocked
	}

	if ip := parseIPWithNormalization(hostname); ip != nil {
		return p.checkIP(normalizeIPv4Mapped(ip))
	}

	resolve := p.Resolve
	if resolve == nil {
		resolve = net.LookupIP
	}
	ips, err := resolve(hostname)
	if err != nil {
		// Unresolvable names fail in the browser with a navigation error.
		return nil
	}
	for _, ip := range ips {
		if err := p.checkIP(normalizeIPv4Mapped(ip)); err != nil {
			return err
		}
	}
	return nil
}

func (p TargetPolicy) checkIP(ip net.IP) error {
	if isCloudMetadataIP(ip) {
		return ErrMetadataBlocked
	}
	if p.AllowPrivate {
		return nil
	}
	switch {
	case isLoopbackIP(ip):
		return ErrLocalhostBlocked
	case ip.IsPrivate(), ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast(), ip.IsUnspecified():
		return ErrPrivateIPBlocked
	}
	return nil
}

func isMetadataHost(hostname string) bool {
	switch hostname {
	case "metadata.google.internal", "metadata", "instance-data":
		return true
	}
	return false
}

func isLocalhostHostname(hostname string) bool {
	if localHostnames[hostname] {
		return true
	}
	return strings.HasSuffix(hostname, ".localhost") || strings.HasPrefix(hostname, "localhost.")
}

// isLoopbackIP covers all of 127.0.0.0/8 and ::1.
func isLoopbackIP(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4[0] == 127
	}
	return ip.Equal(net.IPv6loopback)
}

func isCloudMetadataIP(ip net.IP) bool {
	for _, metadataIP := range cloudMetadataIPs {
		if ip.Equal(metadataIP) {
			return true
		}
	}
	return false
}

// parseIPWithNormalization parses dotted, single-integer, octal, hex and
// shortened (127.1) IPv4 forms as well as IPv6.
func parseIPWithNormalization(hostname string) net.IP {
	if ip := net.ParseIP(hostname); ip != nil {
		return ip
	}
	if num, err := strconv.ParseUint(hostname, 10, 32); err == nil {
		return net.IPv4(byte(num>>24), byte(num>>16), byte(num>>8), byte(num))
	}

	parts := strings.Split(hostname, ".")
	switch len(parts) {
	case 4:
		var octets [4]byte
		for i, part := range parts {
			val, err := parseIntWithBase(part)
			if err != nil || val > 255 {
				return nil
			}
			octets[i] = byte(val)
		}
		return net.IPv4(octets[0], octets[1], octets[2], octets[3])
	case 2:
		first, err1 := parseIntWithBase(parts[0])
		rest, err2 := parseIntWithBase(parts[1])
		if err1 == nil && err2 == nil && first <= 255 && rest <= 0xFFFFFF {
			return net.IPv4(byte(first), byte(rest>>16), byte(rest>>8), byte(rest))
		}
	}
	return nil
}

// parseIntWithBase accepts decimal, 0-prefixed octal and 0x-prefixed hex.
func parseIntWithBase(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return 0, errors.New("empty string")
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		return strconv.ParseUint(s[2:], 16, 64)
	case len(s) > 1 && s[0] == '0':
		return strconv.ParseUint(s[1:], 8, 64)
	default:
		return strconv.ParseUint(s, 10, 64)
	}
}

func normalizeIPv4Mapped(ip net.IP) net.IP {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4
	}
	return ip
}
