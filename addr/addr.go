// File: addr/addr.go
// Package addr parses and formats socket address strings.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Supported forms:
//
//	inet:<host>:<port>    ipv4 host name or literal with port
//	inet6:<host>:<port>   ipv6 host name or literal with port
//	unix:<pathname>       unix local address bound to the file system
//	unix:@<name>          unix local address in the abstract namespace
//
// Formatting is the inverse of parsing and round-trips numeric literals.

package addr

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/momentics/pompio/api"
)

// Parse converts an address string to a socket address.
func Parse(s string) (unix.Sockaddr, error) {
	switch {
	case strings.HasPrefix(s, "inet:"):
		return parseInet(s[len("inet:"):], false)
	case strings.HasPrefix(s, "inet6:"):
		return parseInet(s[len("inet6:"):], true)
	case strings.HasPrefix(s, "unix:"):
		name := s[len("unix:"):]
		if name == "" {
			return nil, fmt.Errorf("empty unix path in %q: %w", s, api.ErrInvalidArgument)
		}
		return &unix.SockaddrUnix{Name: name}, nil
	default:
		return nil, fmt.Errorf("unknown address scheme in %q: %w", s, api.ErrInvalidArgument)
	}
}

func parseInet(hostport string, v6 bool) (unix.Sockaddr, error) {
	// The port is everything after the last colon, so ipv6 literals need
	// no brackets: inet6:::1:9000.
	sep := strings.LastIndexByte(hostport, ':')
	if sep < 0 {
		return nil, fmt.Errorf("missing port in %q: %w", hostport, api.ErrInvalidArgument)
	}
	host, portStr := strings.Trim(hostport[:sep], "[]"), hostport[sep+1:]
	if host == "" {
		return nil, fmt.Errorf("missing host in %q: %w", hostport, api.ErrInvalidArgument)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("port %q: %w", portStr, api.ErrInvalidArgument)
	}
	network := "ip4"
	if v6 {
		network = "ip6"
	}
	ipAddr, err := net.ResolveIPAddr(network, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", host, err)
	}
	if v6 {
		sa := &unix.SockaddrInet6{Port: int(port)}
		copy(sa.Addr[:], ipAddr.IP.To16())
		return sa, nil
	}
	ip4 := ipAddr.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("%q is not an ipv4 address: %w", host, api.ErrInvalidArgument)
	}
	sa := &unix.SockaddrInet4{Port: int(port)}
	copy(sa.Addr[:], ip4)
	return sa, nil
}

// Format converts a socket address back to its string form.
func Format(sa unix.Sockaddr) (string, error) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("inet:%s:%d", net.IP(a.Addr[:]).String(), a.Port), nil
	case *unix.SockaddrInet6:
		return fmt.Sprintf("inet6:%s:%d", net.IP(a.Addr[:]).String(), a.Port), nil
	case *unix.SockaddrUnix:
		return "unix:" + a.Name, nil
	default:
		return "", fmt.Errorf("address family %T: %w", sa, api.ErrUnsupported)
	}
}

// IsUnix reports whether the address is a unix local one. Descriptor
// passing only works on such addresses.
func IsUnix(sa unix.Sockaddr) bool {
	_, ok := sa.(*unix.SockaddrUnix)
	return ok
}

// Family returns the socket domain to use for the address.
func Family(sa unix.Sockaddr) (int, error) {
	switch sa.(type) {
	case *unix.SockaddrInet4:
		return unix.AF_INET, nil
	case *unix.SockaddrInet6:
		return unix.AF_INET6, nil
	case *unix.SockaddrUnix:
		return unix.AF_UNIX, nil
	default:
		return 0, fmt.Errorf("address family %T: %w", sa, api.ErrUnsupported)
	}
}
