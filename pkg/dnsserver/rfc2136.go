package dnsserver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/wisbric/lnvpsd/pkg/opretry"
)

// Rfc2136Server drives a standard RFC2136 dynamic-update-capable DNS
// server (bind, knot, PowerDNS, ...), authenticated with a TSIG key.
// Grounded on original_source's dns/mod.rs DnsServer trait (the Rust
// original ships a Cloudflare-only driver behind a feature flag; this
// module targets the RFC2136 standard instead, since it's the
// vendor-neutral way to drive "a DNS server" the Non-goals describe as
// pluggable).
type Rfc2136Server struct {
	endpoint   string
	tsigName   string
	tsigSecret string
	client     *dns.Client
}

// NewRfc2136Server builds a driver against endpoint ("host:53"),
// authenticated with a TSIG key of "name:base64secret" form
// (config.go's DNSTSIGKey).
func NewRfc2136Server(endpoint, tsigKey string) (*Rfc2136Server, error) {
	name, secret, err := splitTSIGKey(tsigKey)
	if err != nil {
		return nil, err
	}
	return &Rfc2136Server{
		endpoint:   endpoint,
		tsigName:   name,
		tsigSecret: secret,
		client: &dns.Client{
			Net:     "tcp",
			Timeout: 10 * time.Second,
			TsigSecret: map[string]string{
				dns.Fqdn(name): secret,
			},
		},
	}, nil
}

func splitTSIGKey(key string) (name, secret string, err error) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("dns tsig key must be \"name:secret\"")
}

func (s *Rfc2136Server) update(ctx context.Context, zone string, build func(m *dns.Msg) error) error {
	msg := new(dns.Msg)
	msg.SetUpdate(dns.Fqdn(zone))
	if err := build(msg); err != nil {
		return opretry.WrapFatal(err)
	}
	msg.SetTsig(dns.Fqdn(s.tsigName), dns.HmacSHA256, 300, time.Now().Unix())

	resp, _, err := s.client.ExchangeContext(ctx, msg, s.endpoint)
	if err != nil {
		return opretry.Wrap(fmt.Errorf("rfc2136 update to %s: %w", s.endpoint, err))
	}
	if resp.Rcode == dns.RcodeRefused || resp.Rcode == dns.RcodeNotAuth {
		return opretry.Fatalf("rfc2136 update rejected: %s", dns.RcodeToString[resp.Rcode])
	}
	if resp.Rcode != dns.RcodeSuccess {
		return opretry.Wrap(fmt.Errorf("rfc2136 update: %s", dns.RcodeToString[resp.Rcode]))
	}
	return nil
}

func parseIPv4(s string) (net.IP, error) {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("invalid ipv4 address %q", s)
	}
	return ip.To4(), nil
}

func parseIPv6(s string) (net.IP, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("invalid ipv6 address %q", s)
	}
	return ip.To16(), nil
}

func (s *Rfc2136Server) AddRecord(ctx context.Context, zone string, record Record) (Record, error) {
	err := s.update(ctx, zone, func(m *dns.Msg) error {
		rr, rrErr := buildRR(zone, record, 300)
		if rrErr != nil {
			return rrErr
		}
		m.Insert([]dns.RR{rr})
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	record.ID = fmt.Sprintf("%s.%s/%s", record.Name, zone, record.Kind)
	return record, nil
}

func (s *Rfc2136Server) UpdateRecord(ctx context.Context, zone string, record Record) (Record, error) {
	err := s.update(ctx, zone, func(m *dns.Msg) error {
		rr, rrErr := buildRR(zone, record, 300)
		if rrErr != nil {
			return rrErr
		}
		removeRRset, rrsetErr := removeRRsetFor(zone, record)
		if rrsetErr != nil {
			return rrsetErr
		}
		m.RemoveRRset([]dns.RR{removeRRset})
		m.Insert([]dns.RR{rr})
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

func (s *Rfc2136Server) DeleteRecord(ctx context.Context, zone string, record Record) error {
	return s.update(ctx, zone, func(m *dns.Msg) error {
		rr, err := buildRR(zone, record, 0)
		if err != nil {
			return err
		}
		m.Remove([]dns.RR{rr})
		return nil
	})
}

func buildRR(zone string, record Record, ttl uint32) (dns.RR, error) {
	owner := dns.Fqdn(record.Name + "." + zone)
	hdr := dns.RR_Header{Name: owner, Class: dns.ClassINET, Ttl: ttl}
	switch record.Kind {
	case A:
		ip, err := parseIPv4(record.Value)
		if err != nil {
			return nil, err
		}
		hdr.Rrtype = dns.TypeA
		return &dns.A{Hdr: hdr, A: ip}, nil
	case AAAA:
		ip, err := parseIPv6(record.Value)
		if err != nil {
			return nil, err
		}
		hdr.Rrtype = dns.TypeAAAA
		return &dns.AAAA{Hdr: hdr, AAAA: ip}, nil
	case PTR:
		hdr.Rrtype = dns.TypePTR
		return &dns.PTR{Hdr: hdr, Ptr: dns.Fqdn(record.Value)}, nil
	default:
		return nil, fmt.Errorf("unsupported record kind %v", record.Kind)
	}
}

func removeRRsetFor(zone string, record Record) (dns.RR, error) {
	owner := dns.Fqdn(record.Name + "." + zone)
	hdr := dns.RR_Header{Name: owner, Class: dns.ClassANY, Ttl: 0}
	switch record.Kind {
	case A:
		hdr.Rrtype = dns.TypeA
		return &dns.A{Hdr: hdr}, nil
	case AAAA:
		hdr.Rrtype = dns.TypeAAAA
		return &dns.AAAA{Hdr: hdr}, nil
	case PTR:
		hdr.Rrtype = dns.TypePTR
		return &dns.PTR{Hdr: hdr}, nil
	default:
		return nil, fmt.Errorf("unsupported record kind %v", record.Kind)
	}
}

var _ DnsServer = (*Rfc2136Server)(nil)
