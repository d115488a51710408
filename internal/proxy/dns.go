package proxy

import (
	"context"
	"net"
	"sync/atomic"
	"time"
)

// NewDNSResolver returns a resolver that spreads origin lookups across
// nameservers in turn. It returns nil, meaning the OS resolver, when no
// nameserver is configured.
func NewDNSResolver(nameservers []string, timeout time.Duration) *net.Resolver {
	if len(nameservers) == 0 {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var next atomic.Uint64
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, _, _ string) (net.Conn, error) {
			ns := nameservers[(next.Add(1)-1)%uint64(len(nameservers))]
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, "udp", ns)
		},
	}
}
