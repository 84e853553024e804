// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/patrickmn/go-cache"

	measuredlog "github.com/tombee/measured/internal/log"
	"github.com/tombee/measured/internal/schedule"
)

// DNSConfig configures the DNS resolver.
type DNSConfig struct {
	// Servers are "host" or "host:port" nameservers. Empty reads ResolvConf.
	Servers []string
	// ResolvConf defaults to /etc/resolv.conf.
	ResolvConf string
	// Timeout per query. Default 3s.
	Timeout time.Duration
	// MaxCacheTTL caps how long an answer is cached. Default 5m. Answers
	// are never cached longer than their own TTL.
	MaxCacheTTL time.Duration
}

// DNS resolves names by querying nameservers directly and caches answers
// across firings. Safe for concurrent use.
type DNS struct {
	servers []string
	client  *dns.Client
	tcp     *dns.Client
	cache   *cache.Cache
	maxTTL  time.Duration
	logger  *slog.Logger
}

// NewDNS creates a DNS resolver.
func NewDNS(cfg DNSConfig, logger *slog.Logger) (*DNS, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.MaxCacheTTL <= 0 {
		cfg.MaxCacheTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, withPort(s, "53"))
	}
	if len(servers) == 0 {
		path := cfg.ResolvConf
		if path == "" {
			path = "/etc/resolv.conf"
		}
		conf, err := dns.ClientConfigFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		for _, s := range conf.Servers {
			servers = append(servers, net.JoinHostPort(s, conf.Port))
		}
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no nameservers configured")
	}

	return &DNS{
		servers: servers,
		client:  &dns.Client{Net: "udp", Timeout: cfg.Timeout},
		tcp:     &dns.Client{Net: "tcp", Timeout: cfg.Timeout},
		cache:   cache.New(cfg.MaxCacheTTL, 2*cfg.MaxCacheTTL),
		maxTTL:  cfg.MaxCacheTTL,
		logger:  measuredlog.WithComponent(logger, "dns"),
	}, nil
}

// Servers returns the nameservers in query order.
func (d *DNS) Servers() []string {
	return append([]string(nil), d.servers...)
}

// Lookup implements Resolver. For FamilyAny the A answers come first.
func (d *DNS) Lookup(ctx context.Context, name string, family schedule.Family) ([]netip.Addr, error) {
	var qtypes []uint16
	switch family {
	case schedule.FamilyIPv4:
		qtypes = []uint16{dns.TypeA}
	case schedule.FamilyIPv6:
		qtypes = []uint16{dns.TypeAAAA}
	default:
		qtypes = []uint16{dns.TypeA, dns.TypeAAAA}
	}

	var (
		out     []netip.Addr
		lastErr error
	)
	for _, qtype := range qtypes {
		addrs, err := d.query(ctx, name, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		out = append(out, addrs...)
	}
	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

func (d *DNS) query(ctx context.Context, name string, qtype uint16) ([]netip.Addr, error) {
	fqdn := dns.Fqdn(strings.ToLower(name))
	key := fqdn + "/" + dns.TypeToString[qtype]
	if v, ok := d.cache.Get(key); ok {
		return v.([]netip.Addr), nil
	}

	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range d.servers {
		in, _, err := d.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = fmt.Errorf("querying %s: %w", server, err)
			continue
		}
		if in.Truncated {
			full, _, err := d.tcp.ExchangeContext(ctx, msg, server)
			if err != nil {
				d.logger.Warn("TCP retry after truncated answer failed",
					slog.String("server", server),
					slog.String("name", name),
					measuredlog.Error(err))
			} else {
				in = full
			}
		}
		if in.Rcode != dns.RcodeSuccess {
			return nil, fmt.Errorf("%s %s: %s", name, dns.TypeToString[qtype], dns.RcodeToString[in.Rcode])
		}

		addrs, ttl := d.extract(in)
		if len(addrs) > 0 && ttl > 0 {
			d.cache.Set(key, addrs, ttl)
		}
		return addrs, nil
	}
	return nil, lastErr
}

// extract pulls addresses from the answer section, with the smallest TTL
// seen capped at maxTTL.
func (d *DNS) extract(in *dns.Msg) ([]netip.Addr, time.Duration) {
	var addrs []netip.Addr
	ttl := d.maxTTL
	for _, rr := range in.Answer {
		var ip net.IP
		switch v := rr.(type) {
		case *dns.A:
			ip = v.A.To4()
		case *dns.AAAA:
			ip = v.AAAA.To16()
		default:
			continue
		}
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addrs = append(addrs, addr)
		if rrTTL := time.Duration(rr.Header().Ttl) * time.Second; rrTTL < ttl {
			ttl = rrTTL
		}
	}
	return addrs, ttl
}

func withPort(hostport, port string) string {
	if _, _, err := net.SplitHostPort(hostport); err == nil {
		return hostport
	}
	return net.JoinHostPort(strings.Trim(hostport, "[]"), port)
}
