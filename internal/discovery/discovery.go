// Package discovery advertises the server on the local network with mDNS and
// lets agents find it.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const domain = "local."

var ErrNotFound = errors.New("discovery: no server found")

// Advertise registers instance under service on port. The returned function
// withdraws the registration.
func Advertise(instance, service string, port int, txt []string) (func(), error) {
	server, err := zeroconf.Register(instance, service, domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return server.Shutdown, nil
}

// Lookup browses for service until the first instance answers or ctx is done,
// and returns its host:port.
func Lookup(ctx context.Context, service string) (string, error) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return "", fmt.Errorf("initialize mDNS resolver: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return "", fmt.Errorf("browse for %s: %w", service, err)
	}
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if addr := entryAddr(entry); addr != "" {
				return addr, nil
			}
		case <-ctx.Done():
			return "", ErrNotFound
		}
	}
}

func entryAddr(e *zeroconf.ServiceEntry) string {
	var host string
	switch {
	case len(e.AddrIPv4) > 0:
		host = e.AddrIPv4[0].String()
	case len(e.AddrIPv6) > 0:
		host = e.AddrIPv6[0].String()
	case e.HostName != "":
		host = strings.TrimSuffix(e.HostName, ".")
	default:
		return ""
	}
	return net.JoinHostPort(host, strconv.Itoa(e.Port))
}

// PortOf extracts the numeric port from a listen address such as ":8081".
func PortOf(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(p)
}
