package dnsserver

import "testing"

func TestIsValidFQDN(t *testing.T) {
	cases := map[string]bool{
		"example.com":      true,
		"vm-1.example.com": true,
		"example.com.":     true,
		"nodot":            false,
		"":                 false,
		"-bad.example.com": false,
		"bad-.example.com": false,
	}
	for in, want := range cases {
		if got := IsValidFQDN(in); got != want {
			t.Errorf("IsValidFQDN(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestForwardRecordIPv4(t *testing.T) {
	rec, err := ForwardRecord("1", "10.0.0.2")
	if err != nil {
		t.Fatalf("ForwardRecord() error = %v", err)
	}
	if rec.Kind != A {
		t.Fatalf("Kind = %v, want A", rec.Kind)
	}
	if rec.Name != "vm-1" {
		t.Fatalf("Name = %q, want vm-1", rec.Name)
	}
}

func TestForwardRecordIPv6(t *testing.T) {
	rec, err := ForwardRecord("1", "2001:db8::1")
	if err != nil {
		t.Fatalf("ForwardRecord() error = %v", err)
	}
	if rec.Kind != AAAA {
		t.Fatalf("Kind = %v, want AAAA", rec.Kind)
	}
}

func TestReverseRecordIPv4(t *testing.T) {
	rec, err := ReverseRecord("10.0.0.2", "vm-1.example.com")
	if err != nil {
		t.Fatalf("ReverseRecord() error = %v", err)
	}
	if rec.Name != "2" || rec.Kind != PTR {
		t.Fatalf("ReverseRecord() = %+v, want name=2 kind=PTR", rec)
	}
}

func TestReverseRecordRejectsInvalidFQDN(t *testing.T) {
	if _, err := ReverseRecord("10.0.0.2", "not a fqdn"); err == nil {
		t.Fatalf("ReverseRecord() error = nil, want error for invalid fqdn")
	}
}

func TestIPv6ToPTRLabel(t *testing.T) {
	label := ipv6ToPTRLabel([]byte{
		0x20, 0x01, 0x0d, 0xb8,
		0, 0, 0, 0,
		0, 0, 0, 0,
		0, 0, 0, 1,
	})
	if label[len(label)-1] != '1' {
		t.Fatalf("ipv6ToPTRLabel last nibble = %q, want trailing 1", label)
	}
}

func TestNoopImplementsDnsServer(t *testing.T) {
	var _ DnsServer = (*Noop)(nil)
}
