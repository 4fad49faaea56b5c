// Package dnsserver provides the DnsServer collaborator of spec.md §4.7
// and an RFC2136 dynamic-update driver.
package dnsserver

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// RecordKind is the DNS RR type a Record carries, spec.md §4.7 "A|AAAA|PTR".
type RecordKind int

const (
	A RecordKind = iota
	AAAA
	PTR
)

func (k RecordKind) String() string {
	switch k {
	case A:
		return "A"
	case AAAA:
		return "AAAA"
	case PTR:
		return "PTR"
	default:
		return "UNKNOWN"
	}
}

// Record is a DNS resource record to add, update, or delete.
type Record struct {
	Name  string
	Value string
	Kind  RecordKind
	ID    string // returned by add/update, opaque to the caller
}

// DnsServer is the contract one concrete DNS driver implements.
type DnsServer interface {
	AddRecord(ctx context.Context, zone string, record Record) (Record, error)
	UpdateRecord(ctx context.Context, zone string, record Record) (Record, error)
	DeleteRecord(ctx context.Context, zone string, record Record) error
}

// ForwardRecord builds the forward (A/AAAA) record for a VM's IP, spec.md
// §4.3's "installs forward ... DNS".
func ForwardRecord(vmName, ip string) (Record, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return Record{}, fmt.Errorf("invalid ip %q", ip)
	}
	kind := A
	if addr.To4() == nil {
		kind = AAAA
	}
	return Record{Name: "vm-" + vmName, Value: addr.String(), Kind: kind}, nil
}

// ReverseRecord builds the PTR record for a VM's IP under its reverse
// zone, spec.md §4.3's "installs ... reverse DNS". The PTR owner name is
// the in-addr.arpa/ip6.arpa label; fqdn is the target the PTR points at.
func ReverseRecord(ip, fqdn string) (Record, error) {
	if !IsValidFQDN(fqdn) {
		return Record{}, fmt.Errorf("invalid fqdn %q", fqdn)
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return Record{}, fmt.Errorf("invalid ip %q", ip)
	}

	var owner string
	if v4 := addr.To4(); v4 != nil {
		owner = fmt.Sprintf("%d", v4[3])
	} else {
		owner = ipv6ToPTRLabel(addr)
	}

	return Record{Name: owner, Value: fqdn, Kind: PTR}, nil
}

// ipv6ToPTRLabel nibble-reverses an IPv6 address into its ip6.arpa label,
// spec.md §4.7 "nibble-reversed ip6.arpa label".
func ipv6ToPTRLabel(ip net.IP) string {
	ip16 := ip.To16()
	nibbles := make([]string, 0, 32)
	for i := len(ip16) - 1; i >= 0; i-- {
		b := ip16[i]
		nibbles = append(nibbles, fmt.Sprintf("%x", b&0x0f), fmt.Sprintf("%x", b>>4))
	}
	return strings.Join(nibbles, ".")
}

// IsValidFQDN reports whether s is a syntactically valid fully-qualified
// domain name, grounded on original_source's dns/mod.rs is_valid_fqdn.
func IsValidFQDN(s string) bool {
	s = strings.TrimSuffix(s, ".")
	if len(s) == 0 || len(s) > 255 {
		return false
	}

	labels := strings.Split(s, ".")
	if len(labels) < 2 {
		return false
	}

	for _, label := range labels {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if !isAlphanumeric(rune(label[0])) || !isAlphanumeric(rune(label[len(label)-1])) {
			return false
		}
		for _, c := range label {
			if !isAlphanumeric(c) && c != '-' {
				return false
			}
		}
	}
	return true
}

func isAlphanumeric(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
