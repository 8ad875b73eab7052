package modules

// netaddress.go implements PeerAddress (spec.md §3): an IP-or-hostname plus
// port, opaque but printable, reachable on the overlay. It plays exactly the
// role Sia's own NetAddress plays for gateway peers — this is that type,
// generalized to the validation rules a gossip-only overlay needs (no RPC
// dialing assumptions baked in).

import (
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/NebulousLabs/errors"
)

// NetAddress is a host:port pair reachable on the storage overlay. It is
// opaque to callers beyond Host/Port/IsLoopback/IsValid; PeerNetwork is the
// only thing that dials it.
type NetAddress string

var (
	// ErrEmptyHost is returned by IsValid when the host portion is empty.
	ErrEmptyHost = errors.New("netaddress: host is empty")
	// ErrUnspecifiedHost is returned by IsValid when the host is the
	// unspecified address (0.0.0.0 or ::), which can never be dialed.
	ErrUnspecifiedHost = errors.New("netaddress: host is the unspecified address")
	// ErrInvalidHostname is returned by IsValid when the host is neither a
	// parseable IP nor a syntactically valid, fully-qualified hostname.
	ErrInvalidHostname = errors.New("netaddress: invalid hostname")
	// ErrInvalidPort is returned by IsValid when the port is not a decimal
	// integer in [1, 65535].
	ErrInvalidPort = errors.New("netaddress: invalid port")
)

// dnsLabel matches a single valid DNS label: alphanumeric, optionally with
// internal (not leading/trailing) hyphens, 1-63 characters.
var dnsLabel = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

// Host returns the host half of na, or "" if na cannot be split into a
// host:port pair.
func (na NetAddress) Host() string {
	host, _, err := net.SplitHostPort(string(na))
	if err != nil {
		return ""
	}
	return host
}

// Port returns the port half of na, or "" if na cannot be split into a
// host:port pair.
func (na NetAddress) Port() string {
	_, port, err := net.SplitHostPort(string(na))
	if err != nil {
		return ""
	}
	return port
}

// WithPort returns a copy of na with its port replaced by port. Used to
// rewrite a learned address's advertised port with our own listen port (see
// the pong handler), since a peer's pong tells us our external IP, not a
// port we should trust from them.
func (na NetAddress) WithPort(port uint16) NetAddress {
	return NetAddress(net.JoinHostPort(na.Host(), strconv.Itoa(int(port))))
}

// IsLoopback returns true if na's host resolves to a loopback address or is
// literally "localhost", and na has a port.
func (na NetAddress) IsLoopback() bool {
	host, port, err := net.SplitHostPort(string(na))
	if err != nil || host == "" || port == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

// IsValid returns nil if na is a well-formed, dialable host:port pair: the
// port is a decimal integer in [1, 65535], and the host is either a
// non-unspecified IP address or a syntactically valid fully-qualified
// hostname (or literally "localhost").
func (na NetAddress) IsValid() error {
	host, port, err := net.SplitHostPort(string(na))
	if err != nil {
		return errors.Extend(err, errors.New("netaddress: malformed address"))
	}
	if err := validHost(host); err != nil {
		return err
	}
	return validPort(port)
}

func validHost(host string) error {
	if host == "" {
		return ErrEmptyHost
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsUnspecified() {
			return ErrUnspecifiedHost
		}
		return nil
	}
	return validHostname(host)
}

// validHostname checks host against DNS syntax: ASCII only, a fully
// qualified name (at least two labels), each label 1-63 characters drawn
// from alphanumerics and internal hyphens, and a total length of at most
// 253 characters (254 with an explicit trailing root dot).
func validHostname(host string) error {
	for i := 0; i < len(host); i++ {
		if host[i] >= 0x80 {
			return ErrInvalidHostname
		}
	}

	trimmed := host
	if strings.HasSuffix(host, ".") {
		if len(host) > 254 {
			return ErrInvalidHostname
		}
		trimmed = host[:len(host)-1]
	} else if len(host) > 253 {
		return ErrInvalidHostname
	}
	if trimmed == "" {
		return ErrInvalidHostname
	}

	labels := strings.Split(trimmed, ".")
	if len(labels) < 2 {
		return ErrInvalidHostname
	}
	for _, label := range labels {
		if !dnsLabel.MatchString(label) {
			return ErrInvalidHostname
		}
	}
	return nil
}

func validPort(port string) error {
	n, err := strconv.Atoi(port)
	if err != nil {
		return errors.Extend(err, ErrInvalidPort)
	}
	if n < 1 || n > 65535 {
		return ErrInvalidPort
	}
	return nil
}
