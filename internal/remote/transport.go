package remote

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

var (
	globalResolver     *dnscache.Resolver
	globalResolverOnce sync.Once
	resolverRefreshTTL = 5 * time.Minute
)

// dnsResolver returns the shared caching resolver. Reconciliation polls the
// same host every few seconds, so lookups are cached and refreshed in the
// background.
func dnsResolver() *dnscache.Resolver {
	globalResolverOnce.Do(func() {
		globalResolver = &dnscache.Resolver{}
		go func() {
			ticker := time.NewTicker(resolverRefreshTTL)
			defer ticker.Stop()
			for range ticker.C {
				globalResolver.Refresh(true)
				log.Debug().Dur("ttl", resolverRefreshTTL).Msg("DNS cache refreshed")
			}
		}()
	})
	return globalResolver
}

// dialContextWithCache resolves through the cache and tries each address.
func dialContextWithCache(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	ips, err := dnsResolver().LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// NewHTTPClient builds the client used for entitlement calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialContextWithCache
	transport.MaxIdleConnsPerHost = 4
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
