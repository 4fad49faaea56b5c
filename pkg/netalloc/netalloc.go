// Package netalloc is the Network Allocator of spec.md §4.3: IP
// selection, MAC minting, EUI-64 fixation, and the Router/DnsServer side
// effects of persisting an assignment. Grounded directly on
// original_source's provisioner/lnvps_network.rs (LNVpsNetworkProvisioner).
package netalloc

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"

	"github.com/google/uuid"

	"github.com/wisbric/lnvpsd/pkg/dnsserver"
	"github.com/wisbric/lnvpsd/pkg/hostclient"
	"github.com/wisbric/lnvpsd/pkg/model"
	"github.com/wisbric/lnvpsd/pkg/opretry"
	"github.com/wisbric/lnvpsd/pkg/router"
)

// Store is the persistence subset the allocator needs.
type Store interface {
	GetIpRange(ctx context.Context, id uuid.UUID) (model.IpRange, error)
	ListIpRangesByRegion(ctx context.Context, regionID uuid.UUID) ([]model.IpRange, error)
	GetAccessPolicy(ctx context.Context, id uuid.UUID) (model.AccessPolicy, error)
	ListIpAssignmentsInRange(ctx context.Context, rangeID uuid.UUID) ([]model.VmIpAssignment, error)
	ListIpAssignmentsForVm(ctx context.Context, vmID uuid.UUID) ([]model.VmIpAssignment, error)
	SaveIpAssignment(ctx context.Context, a model.VmIpAssignment) (model.VmIpAssignment, error)
	SoftDeleteIpAssignment(ctx context.Context, id uuid.UUID) error
}

// Allocator is the Network Allocator. ForwardZone is the process-wide
// forward DNS zone (config.go's DNS forward zone, analogous to
// settings.dns.forward_zone_id in original_source) — empty disables
// forward record management, matching the original's Option<String>.
type Allocator struct {
	Store       Store
	Router      router.Router
	DNS         dnsserver.DnsServer
	ForwardZone string
}

// Candidate is a selected-but-not-yet-persisted IP, spec.md §4.1.2's
// "Persist neither yet — hold in context".
type Candidate struct {
	Range model.IpRange
	IP    string // empty for an IPv6 SlaacEui64 range until FixEUI64 runs
}

// SelectIPv4 picks one free IPv4 address from an enabled range in the
// region, spec.md §4.3.1. Failing to obtain one is always fatal to the
// caller (no IpRange, or every range full).
func (a *Allocator) SelectIPv4(ctx context.Context, regionID uuid.UUID) (Candidate, error) {
	return a.selectFromFamily(ctx, regionID, false)
}

// SelectIPv6 picks one IPv6 candidate if the region has any IPv6 range,
// spec.md §4.3.1 "MAY also return one IPv6 assignment". Returns ok=false
// if no IPv6 range exists — this is not an error.
func (a *Allocator) SelectIPv6(ctx context.Context, regionID uuid.UUID) (Candidate, bool, error) {
	c, err := a.selectFromFamily(ctx, regionID, true)
	if err != nil {
		if errors.Is(err, errNoRange) {
			return Candidate{}, false, nil
		}
		return Candidate{}, false, err
	}
	return c, true, nil
}

var errNoRange = fmt.Errorf("no ip range of the requested family in region")

func (a *Allocator) selectFromFamily(ctx context.Context, regionID uuid.UUID, wantV6 bool) (Candidate, error) {
	ranges, err := a.Store.ListIpRangesByRegion(ctx, regionID)
	if err != nil {
		return Candidate{}, opretry.Wrap(fmt.Errorf("listing ip ranges: %w", err))
	}

	for _, r := range ranges {
		_, ipnet, err := net.ParseCIDR(r.CIDR)
		if err != nil {
			continue
		}
		isV6 := ipnet.IP.To4() == nil
		if isV6 != wantV6 {
			continue
		}

		if r.AllocationMode == model.AllocationSlaacEui64 {
			if !isV6 {
				continue
			}
			return Candidate{Range: r}, nil // ip fixed later, §4.3.3
		}

		ip, err := a.pickFreeIP(ctx, r, ipnet)
		if err != nil {
			continue // range full or errored; try the next one
		}
		return Candidate{Range: r, IP: ip}, nil
	}

	return Candidate{}, opretry.Fatalf("%w", errNoRange)
}

func (a *Allocator) pickFreeIP(ctx context.Context, r model.IpRange, ipnet *net.IPNet) (string, error) {
	assignments, err := a.Store.ListIpAssignmentsInRange(ctx, r.ID)
	if err != nil {
		return "", opretry.Wrap(fmt.Errorf("listing assignments in range: %w", err))
	}
	used := make(map[string]bool, len(assignments))
	for _, as := range assignments {
		used[as.IP] = true
	}

	reserved := reservedAddresses(r, ipnet)
	for _, ip := range reserved {
		used[ip] = true
	}

	candidates := unusedAddresses(ipnet, used)
	if len(candidates) == 0 {
		return "", fmt.Errorf("range %s is full", r.ID)
	}

	switch r.AllocationMode {
	case model.AllocationRandom:
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(candidates))))
		if err != nil {
			return "", err
		}
		return candidates[idx.Int64()], nil
	default: // Sequential
		return candidates[0], nil
	}
}

// reservedAddresses returns the network/broadcast/gateway addresses a
// range withholds from allocation, spec.md §4.2 "Range capacity": 1
// (gateway only) when use_full_range, else 3.
func reservedAddresses(r model.IpRange, ipnet *net.IPNet) []string {
	if r.UseFullRange {
		return []string{r.Gateway}
	}
	return []string{ipnet.IP.String(), r.Gateway, broadcastAddr(ipnet)}
}

func broadcastAddr(ipnet *net.IPNet) string {
	ip := dupIP(ipnet.IP)
	if v4 := ip.To4(); v4 != nil {
		mask := ipnet.Mask
		for i := range v4 {
			v4[i] |= ^mask[i]
		}
		return v4.String()
	}
	return ip.String() // IPv6 has no broadcast address
}

func dupIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	return out
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			return
		}
	}
}

// unusedAddresses enumerates every host address in ipnet not in used, in
// ascending order. IPv6 /64s and larger are capped to a bounded scan
// window since the full space is never practically exhausted by
// sequential/random allocation; callers needing SlaacEui64 never reach
// this path.
func unusedAddresses(ipnet *net.IPNet, used map[string]bool) []string {
	ones, bits := ipnet.Mask.Size()
	hostBits := bits - ones
	const scanCap = 1 << 20
	count := 1 << hostBits
	if hostBits >= 21 || count > scanCap {
		count = scanCap
	}

	ip := dupIP(ipnet.IP)
	var out []string
	for i := 0; i < count; i++ {
		candidate := ip.String()
		if !used[candidate] {
			out = append(out, candidate)
		}
		incIP(ip)
	}
	return out
}

// FixEUI64 derives the final IPv6 address for a SlaacEui64 range from the
// range's /64 prefix and the VM's 48-bit MAC, spec.md §4.3.3.
func FixEUI64(cidr string, mac string) (string, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return "", fmt.Errorf("invalid ipv6 cidr %q: %w", cidr, err)
	}
	ones, bits := ipnet.Mask.Size()
	if bits != 128 || ones != 64 {
		return "", fmt.Errorf("slaac eui-64 requires a /64 ipv6 range, got /%d", ones)
	}

	hw, err := net.ParseMAC(mac)
	if err != nil || len(hw) != 6 {
		return "", fmt.Errorf("invalid mac %q for eui-64: %w", mac, err)
	}

	iid := make([]byte, 8)
	copy(iid[0:3], hw[0:3])
	iid[3] = 0xff
	iid[4] = 0xfe
	copy(iid[5:8], hw[3:6])
	iid[0] ^= 0x02 // invert universal/local bit

	addr := make(net.IP, 16)
	copy(addr[0:8], ipnet.IP.To16()[0:8])
	copy(addr[8:16], iid)
	return addr.String(), nil
}

// MintMAC sources a MAC for a newly selected IPv4 assignment, spec.md
// §4.3.2: ask the range's Router first if it advertises MAC assignment,
// otherwise fall back to the HostClient's OUI-prefixed generator. Returns
// the minted mac and, if the Router minted it, the ArpEntry id to carry
// as arp_ref (step 2 of §4.3.4 is then skipped for that assignment since
// the ref is already set).
func MintMAC(ctx context.Context, ip string, accessPolicy *model.AccessPolicy, rtr router.Router, host hostclient.HostClient, vmID uuid.UUID, vmLabel string) (mac string, arpRef *string, err error) {
	if accessPolicy != nil {
		entry, err := rtr.GenerateMAC(ctx, ip, vmLabel)
		if err != nil {
			return "", nil, err
		}
		if entry != nil {
			return entry.MAC, &entry.ID, nil
		}
	}

	mac, err = host.GenerateMAC(ctx, vmID)
	if err != nil {
		return "", nil, err
	}
	return mac, nil, nil
}

// SaveIpAssignment validates CIDR membership, installs the Router ARP
// binding (if the range has a StaticArp policy) and DNS records (if
// zones are configured), then persists the row. Grounded on
// lnvps_network.rs's save_ip_assignment.
func (a *Allocator) SaveIpAssignment(ctx context.Context, assignment model.VmIpAssignment, r model.IpRange, vm model.Vm) (model.VmIpAssignment, error) {
	if err := a.validate(assignment, r); err != nil {
		return model.VmIpAssignment{}, err
	}

	if err := a.applyAccessPolicy(ctx, &assignment, r, vm); err != nil {
		return model.VmIpAssignment{}, err
	}
	if err := a.applyForwardDNS(ctx, &assignment, vm); err != nil {
		return model.VmIpAssignment{}, err
	}
	if err := a.applyReverseDNS(ctx, &assignment, r); err != nil {
		return model.VmIpAssignment{}, err
	}

	return a.Store.SaveIpAssignment(ctx, assignment)
}

func (a *Allocator) validate(assignment model.VmIpAssignment, r model.IpRange) error {
	ip := net.ParseIP(strings.TrimSpace(assignment.IP))
	if ip == nil {
		return opretry.Fatalf("invalid ip address %q", assignment.IP)
	}
	_, ipnet, err := net.ParseCIDR(r.CIDR)
	if err != nil {
		return opretry.Fatalf("invalid cidr %q on range %s", r.CIDR, r.ID)
	}
	if !ipnet.Contains(ip) {
		return opretry.Fatalf("ip %s is not within range %s", assignment.IP, r.CIDR)
	}
	return nil
}

func (a *Allocator) applyAccessPolicy(ctx context.Context, assignment *model.VmIpAssignment, r model.IpRange, vm model.Vm) error {
	if r.AccessPolicyID == nil {
		return nil
	}
	policy, err := a.Store.GetAccessPolicy(ctx, *r.AccessPolicyID)
	if err != nil {
		return err
	}
	if policy.Kind != model.AccessPolicyStaticArp || net.ParseIP(assignment.IP).To4() == nil {
		return nil
	}

	entry := router.ArpEntry{
		IP:        assignment.IP,
		MAC:       vm.MACAddress,
		Interface: policy.InterfaceName,
		Comment:   vm.ID.String(),
	}

	var result router.ArpEntry
	if assignment.ArpRef != nil {
		entry.ID = *assignment.ArpRef
		result, err = a.Router.UpdateArpEntry(ctx, entry)
	} else {
		result, err = a.Router.AddArpEntry(ctx, entry)
	}
	if err != nil {
		return err
	}
	if result.ID == "" {
		return opretry.Fatalf("router returned no arp entry id")
	}
	assignment.ArpRef = &result.ID
	return nil
}

func (a *Allocator) applyForwardDNS(ctx context.Context, assignment *model.VmIpAssignment, vm model.Vm) error {
	if a.ForwardZone == "" || a.DNS == nil {
		return nil
	}
	rec, err := dnsserver.ForwardRecord(vm.ID.String(), assignment.IP)
	if err != nil {
		return opretry.WrapFatal(err)
	}

	var result dnsserver.Record
	if assignment.DNSForwardRef != nil {
		rec.ID = *assignment.DNSForwardRef
		result, err = a.DNS.UpdateRecord(ctx, a.ForwardZone, rec)
	} else {
		result, err = a.DNS.AddRecord(ctx, a.ForwardZone, rec)
	}
	if err != nil {
		return err
	}
	assignment.DNSForward = result.Name
	assignment.DNSForwardRef = &result.ID
	return nil
}

func (a *Allocator) applyReverseDNS(ctx context.Context, assignment *model.VmIpAssignment, r model.IpRange) error {
	if r.ReverseZoneID == nil || a.DNS == nil {
		return nil
	}

	var rec dnsserver.Record
	var err error
	if assignment.DNSForward == "" {
		return fmt.Errorf("reverse dns requires a forward name, assignment %s has none", assignment.ID)
	}
	rec, err = dnsserver.ReverseRecord(assignment.IP, assignment.DNSForward)
	if err != nil {
		return opretry.WrapFatal(err)
	}

	var result dnsserver.Record
	if assignment.DNSReverseRef != nil {
		rec.ID = *assignment.DNSReverseRef
		result, err = a.DNS.UpdateRecord(ctx, *r.ReverseZoneID, rec)
	} else {
		result, err = a.DNS.AddRecord(ctx, *r.ReverseZoneID, rec)
	}
	if err != nil {
		return err
	}
	assignment.DNSReverse = result.Value
	assignment.DNSReverseRef = &result.ID
	return nil
}

// DeleteAllIpAssignments tears down every external resource (ARP, forward
// and reverse DNS) for a VM's assignments and soft-deletes each row,
// spec.md §4.3.4's delete_all_ip_assignments. Missing refs are skipped,
// not errors; a single removal failure after retries is logged by the
// caller and does not block the soft-delete.
func (a *Allocator) DeleteAllIpAssignments(ctx context.Context, vm model.Vm) error {
	assignments, err := a.Store.ListIpAssignmentsForVm(ctx, vm.ID)
	if err != nil {
		return opretry.Wrap(fmt.Errorf("listing vm ip assignments: %w", err))
	}

	for _, as := range assignments {
		if as.Deleted {
			continue
		}
		r, err := a.Store.GetIpRange(ctx, as.IpRangeID)
		if err != nil {
			return err
		}
		if err := a.removeAccessPolicy(ctx, &as, r); err != nil {
			return err
		}
		a.removeDNS(ctx, &as, r)

		if _, err := a.Store.SaveIpAssignment(ctx, as); err != nil {
			return err
		}
		if err := a.Store.SoftDeleteIpAssignment(ctx, as.ID); err != nil {
			return err
		}
	}
	return nil
}

func (a *Allocator) removeAccessPolicy(ctx context.Context, assignment *model.VmIpAssignment, r model.IpRange) error {
	if r.AccessPolicyID == nil || assignment.ArpRef == nil {
		return nil
	}
	policy, err := a.Store.GetAccessPolicy(ctx, *r.AccessPolicyID)
	if err != nil {
		return err
	}
	if policy.Kind != model.AccessPolicyStaticArp {
		return nil
	}
	if err := a.Router.RemoveArpEntry(ctx, *assignment.ArpRef); err != nil {
		return err
	}
	assignment.ArpRef = nil
	return nil
}

func (a *Allocator) removeDNS(ctx context.Context, assignment *model.VmIpAssignment, r model.IpRange) {
	if a.DNS == nil {
		return
	}
	if r.ReverseZoneID != nil && assignment.DNSReverseRef != nil {
		rec := dnsserver.Record{ID: *assignment.DNSReverseRef}
		_ = a.DNS.DeleteRecord(ctx, *r.ReverseZoneID, rec)
		assignment.DNSReverseRef = nil
		assignment.DNSReverse = ""
	}
	if a.ForwardZone != "" && assignment.DNSForwardRef != nil {
		rec := dnsserver.Record{ID: *assignment.DNSForwardRef}
		_ = a.DNS.DeleteRecord(ctx, a.ForwardZone, rec)
		assignment.DNSForwardRef = nil
		assignment.DNSForward = ""
	}
}
