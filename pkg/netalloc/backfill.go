package netalloc

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/wisbric/lnvpsd/pkg/model"
)

// BackfillStore is the persistence subset BackfillIPv6 needs beyond Store:
// enumerating VMs and their host, data a live provisioning call never
// requires but a one-off migration does.
type BackfillStore interface {
	ListVmsOnHost(ctx context.Context, hostID uuid.UUID) ([]model.Vm, error)
	ListHostsByRegion(ctx context.Context, regionID uuid.UUID) ([]model.Host, error)
}

// BackfillIPv6 assigns an IPv6 address to every non-deleted VM in a region
// that currently holds only IPv4 addresses — the case where an IPv6 range
// is added to a region after VMs in it were already provisioned. Grounded
// on original_source's data_migration/ip6_init.rs (Ip6InitDataMigration),
// callable from mode=migrate rather than scheduled, since it only ever has
// work to do once per IPv6 range rollout.
func (a *Allocator) BackfillIPv6(ctx context.Context, hosts BackfillStore, regionID uuid.UUID) (int, error) {
	regionHosts, err := hosts.ListHostsByRegion(ctx, regionID)
	if err != nil {
		return 0, fmt.Errorf("listing hosts in region: %w", err)
	}

	assigned := 0
	for _, host := range regionHosts {
		vms, err := hosts.ListVmsOnHost(ctx, host.ID)
		if err != nil {
			return assigned, fmt.Errorf("listing vms on host %s: %w", host.ID, err)
		}
		for _, vm := range vms {
			if vm.Deleted {
				continue
			}
			ok, err := a.backfillOne(ctx, vm, regionID)
			if err != nil {
				return assigned, fmt.Errorf("backfilling vm %s: %w", vm.ID, err)
			}
			if ok {
				assigned++
			}
		}
	}
	return assigned, nil
}

// backfillOne assigns one IPv6 address to vm if it has none yet.
func (a *Allocator) backfillOne(ctx context.Context, vm model.Vm, regionID uuid.UUID) (bool, error) {
	existing, err := a.Store.ListIpAssignmentsForVm(ctx, vm.ID)
	if err != nil {
		return false, fmt.Errorf("listing existing ip assignments: %w", err)
	}
	for _, as := range existing {
		if as.Deleted {
			continue
		}
		if isIPv6(as.IP) {
			return false, nil // already has one
		}
	}

	v6, ok, err := a.SelectIPv6(ctx, regionID)
	if err != nil {
		return false, fmt.Errorf("selecting ipv6 candidate: %w", err)
	}
	if !ok {
		return false, nil // region still has no ipv6 range
	}

	ip6 := v6.IP
	if ip6 == "" {
		ip6, err = FixEUI64(v6.Range.CIDR, vm.MACAddress)
		if err != nil {
			return false, fmt.Errorf("fixing eui-64 address: %w", err)
		}
	}

	assignment := model.VmIpAssignment{VmID: vm.ID, IpRangeID: v6.Range.ID, IP: ip6}
	if _, err := a.SaveIpAssignment(ctx, assignment, v6.Range, vm); err != nil {
		return false, fmt.Errorf("saving ipv6 assignment: %w", err)
	}
	return true, nil
}

func isIPv6(ip string) bool {
	for _, r := range ip {
		if r == ':' {
			return true
		}
	}
	return false
}
