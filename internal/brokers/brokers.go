// internal/brokers/brokers.go
//
// Package brokers turns loosely formatted broker address inputs into an
// ordered, immutable list of host:port endpoints.
package brokers

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	DefaultHost = "localhost"
	DefaultPort = 9092
)

// ErrInvalidAddress is returned for entries that cannot be read as host[:port].
var ErrInvalidAddress = errors.New("brokers: invalid address")

// -----------------------------------------------------------------------------
// Address
// -----------------------------------------------------------------------------

// Address is a single broker endpoint.
type Address struct {
	Host string
	Port int
}

// String renders host:port, bracketing IPv6 hosts.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ParseAddress reads one host[:port] entry. Entries without a port get
// defaultPort; an inline port always wins.
func ParseAddress(entry string, defaultPort int) (Address, error) {
	s := strings.TrimSpace(entry)
	if s == "" {
		return Address{}, fmt.Errorf("%w: empty entry", ErrInvalidAddress)
	}

	host, port := s, defaultPort
	switch {
	case strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]"):
		host = s[1 : len(s)-1]
	case strings.Contains(s, ":"):
		h, p, err := net.SplitHostPort(s)
		if err != nil {
			return Address{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, entry, err)
		}
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return Address{}, fmt.Errorf("%w: %q: bad port %q", ErrInvalidAddress, entry, p)
		}
		host, port = h, n
	}

	if host == "" || strings.ContainsAny(host, " \t/") {
		return Address{}, fmt.Errorf("%w: %q: bad host", ErrInvalidAddress, entry)
	}
	return Address{Host: host, Port: port}, nil
}

// -----------------------------------------------------------------------------
// Set
// -----------------------------------------------------------------------------

// Options carries the broker related gateway options.
type Options struct {
	Hosts []string `mapstructure:"hosts"`
	Port  int      `mapstructure:"port"`
}

// Set is an ordered list of broker addresses. It has no mutators and every
// accessor returns a copy. A Set built by New is never empty.
type Set struct {
	addrs []Address
}

// New collects addresses from positional lines followed by opts.Hosts.
// Blank entries are skipped and a line may hold a comma separated list.
// opts.Port only fills in addresses that carry no port of their own.
// With no addresses at all the set holds localhost on the default port.
func New(opts Options, lines ...string) (Set, error) {
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	if port < 0 || port > 65535 {
		return Set{}, fmt.Errorf("%w: port option %d", ErrInvalidAddress, opts.Port)
	}

	inputs := make([]string, 0, len(lines)+len(opts.Hosts))
	inputs = append(inputs, lines...)
	inputs = append(inputs, opts.Hosts...)

	var addrs []Address
	for _, line := range inputs {
		for _, entry := range strings.Split(line, ",") {
			if strings.TrimSpace(entry) == "" {
				continue
			}
			a, err := ParseAddress(entry, port)
			if err != nil {
				return Set{}, err
			}
			addrs = append(addrs, a)
		}
	}

	if len(addrs) == 0 {
		addrs = []Address{{Host: DefaultHost, Port: port}}
	}
	return Set{addrs: addrs}, nil
}

func (s Set) list() []Address {
	if len(s.addrs) == 0 {
		return []Address{{Host: DefaultHost, Port: DefaultPort}}
	}
	return s.addrs
}

// Addresses returns a copy of the addresses in input order.
func (s Set) Addresses() []Address {
	l := s.list()
	out := make([]Address, len(l))
	copy(out, l)
	return out
}

// Strings returns the host:port form of every address, in order.
func (s Set) Strings() []string {
	l := s.list()
	out := make([]string, len(l))
	for i, a := range l {
		out[i] = a.String()
	}
	return out
}

func (s Set) Len() int { return len(s.list()) }

// Equal compares the ordered host:port strings.
func (s Set) Equal(other Set) bool {
	a, b := s.Strings(), other.Strings()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s Set) String() string { return strings.Join(s.Strings(), ",") }
