// Package scheduler is the Capacity Scheduler of spec.md §4.2: given a
// region and a resource spec, pick a host and a disk on that host.
package scheduler

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/lnvpsd/pkg/model"
)

// Store is the persistence subset the scheduler needs.
type Store interface {
	ListHostsByRegion(ctx context.Context, regionID uuid.UUID) ([]model.Host, error)
	ListDisksByHost(ctx context.Context, hostID uuid.UUID) ([]model.HostDisk, error)
	DiskUsedBytes(ctx context.Context, diskID uuid.UUID) (int64, error)
	ListVmsOnHost(ctx context.Context, hostID uuid.UUID) ([]model.Vm, error)
	GetVmTemplate(ctx context.Context, id uuid.UUID) (model.VmTemplate, error)
	GetVmCustomTemplate(ctx context.Context, id uuid.UUID) (model.VmCustomTemplate, error)
	ListIpRangesByRegion(ctx context.Context, regionID uuid.UUID) ([]model.IpRange, error)
	ListIpAssignmentsInRange(ctx context.Context, rangeID uuid.UUID) ([]model.VmIpAssignment, error)
}

// ResourceSpec is what a placement request asks for.
type ResourceSpec struct {
	CPU           int
	MemoryBytes   int64
	DiskSizeBytes int64
	DiskKind      model.DiskKind
	DiskInterface model.DiskInterface
}

// Placement is a chosen host + disk.
type Placement struct {
	Host model.Host
	Disk model.HostDisk
}

// ErrNoCapacity is returned when no host in the region survives
// selection, spec.md §4.2 "Fail with no-capacity when no host survives."
var ErrNoCapacity = fmt.Errorf("no available host found")

// Scheduler picks host placements within a region.
type Scheduler struct {
	Store Store
}

// candidate is a host that survived the disk/cpu/memory/ip-range checks,
// carrying its load fractions for ranking.
type candidate struct {
	host     model.Host
	disk     model.HostDisk
	cpuLoad  float64
	memLoad  float64
	diskLoad float64
}

func (c candidate) load() float64 {
	return (c.cpuLoad + c.memLoad + c.diskLoad) / 3
}

// Place selects a host + disk satisfying spec within region, grounded on
// original_source's HostCapacityService::get_host_for_template
// (provisioner/capacity.rs): rank survivors by mean load, lowest first,
// tie-break by host id.
func (s *Scheduler) Place(ctx context.Context, regionID uuid.UUID, spec ResourceSpec) (Placement, error) {
	hasIPCapacity, err := s.regionHasIPCapacity(ctx, regionID)
	if err != nil {
		return Placement{}, err
	}
	if !hasIPCapacity {
		return Placement{}, ErrNoCapacity
	}

	hosts, err := s.Store.ListHostsByRegion(ctx, regionID)
	if err != nil {
		return Placement{}, fmt.Errorf("listing hosts: %w", err)
	}

	var candidates []candidate
	for _, h := range hosts {
		c, ok, err := s.hostCandidate(ctx, h, spec)
		if err != nil {
			return Placement{}, err
		}
		if ok {
			candidates = append(candidates, c)
		}
	}

	if len(candidates) == 0 {
		return Placement{}, ErrNoCapacity
	}

	sort.Slice(candidates, func(i, j int) bool {
		li, lj := candidates[i].load(), candidates[j].load()
		if li != lj {
			return li < lj
		}
		return candidates[i].host.ID.String() < candidates[j].host.ID.String()
	})

	chosen := candidates[0]
	return Placement{Host: chosen.host, Disk: chosen.disk}, nil
}

// hostCandidate computes a host's available cpu/memory/disk and reports
// whether it can accommodate spec.
func (s *Scheduler) hostCandidate(ctx context.Context, h model.Host, spec ResourceSpec) (candidate, bool, error) {
	usedCPU, usedMem, err := s.usedCPUMemory(ctx, h.ID)
	if err != nil {
		return candidate{}, false, err
	}

	loadedCPU := int64(float64(h.CPUCores) * h.LoadFactor.CPU)
	availCPU := saturatingSub(loadedCPU, int64(usedCPU))
	loadedMem := int64(float64(h.MemoryBytes) * h.LoadFactor.Memory)
	availMem := saturatingSub(loadedMem, usedMem)
	if availCPU < int64(spec.CPU) || availMem < spec.MemoryBytes {
		return candidate{}, false, nil
	}

	disks, err := s.Store.ListDisksByHost(ctx, h.ID)
	if err != nil {
		return candidate{}, false, fmt.Errorf("listing disks: %w", err)
	}
	disk, diskUsed, ok, err := s.bestDisk(ctx, h, disks, spec)
	if err != nil {
		return candidate{}, false, err
	}
	if !ok {
		return candidate{}, false, nil
	}

	return candidate{
		host:     h,
		disk:     disk,
		cpuLoad:  loadFraction(float64(usedCPU), float64(loadedCPU)),
		memLoad:  loadFraction(float64(usedMem), float64(loadedMem)),
		diskLoad: loadFraction(float64(diskUsed), float64(disk.SizeBytes)*h.LoadFactor.Disk),
	}, true, nil
}

// bestDisk picks, within a host, the disk of the requested kind+interface
// with the lowest load among those with enough available capacity,
// grounded on capacity.rs's storage_disks sort by load_factor then
// DiskCapacity::available_capacity.
func (s *Scheduler) bestDisk(ctx context.Context, h model.Host, disks []model.HostDisk, spec ResourceSpec) (model.HostDisk, int64, bool, error) {
	type match struct {
		hd   model.HostDisk
		used int64
	}
	var matches []match

	for _, d := range disks {
		if !d.Enabled || d.Kind != spec.DiskKind || d.Interface != spec.DiskInterface {
			continue
		}
		used, err := s.Store.DiskUsedBytes(ctx, d.ID)
		if err != nil {
			return model.HostDisk{}, 0, false, fmt.Errorf("disk used bytes: %w", err)
		}
		avail := saturatingSub(int64(float64(d.SizeBytes)*h.LoadFactor.Disk), used)
		if avail < spec.DiskSizeBytes {
			continue
		}
		matches = append(matches, match{hd: d, used: used})
	}

	if len(matches) == 0 {
		return model.HostDisk{}, 0, false, nil
	}

	sort.Slice(matches, func(i, j int) bool {
		li := loadFraction(float64(matches[i].used), float64(matches[i].hd.SizeBytes)*h.LoadFactor.Disk)
		lj := loadFraction(float64(matches[j].used), float64(matches[j].hd.SizeBytes)*h.LoadFactor.Disk)
		return li < lj
	})

	return matches[0].hd, matches[0].used, true, nil
}

// usedCPUMemory sums cpu/memory across non-expired, non-deleted VMs on
// host, resolving each Vm's standard or custom template, spec.md §4.2.
func (s *Scheduler) usedCPUMemory(ctx context.Context, hostID uuid.UUID) (usedCPU int, usedMem int64, err error) {
	vms, err := s.Store.ListVmsOnHost(ctx, hostID)
	if err != nil {
		return 0, 0, fmt.Errorf("listing vms on host: %w", err)
	}

	now := time.Now().Unix()
	for _, vm := range vms {
		if vm.Deleted || vm.ExpiresAt < now {
			continue
		}
		cpu, mem, err := s.vmResources(ctx, vm)
		if err != nil {
			return 0, 0, err
		}
		usedCPU += cpu
		usedMem += mem
	}
	return usedCPU, usedMem, nil
}

func (s *Scheduler) vmResources(ctx context.Context, vm model.Vm) (cpu int, memBytes int64, err error) {
	if vm.TemplateID != nil {
		t, err := s.Store.GetVmTemplate(ctx, *vm.TemplateID)
		if err != nil {
			return 0, 0, fmt.Errorf("loading vm template: %w", err)
		}
		return t.CPU, t.MemoryBytes, nil
	}
	if vm.CustomTemplateID != nil {
		t, err := s.Store.GetVmCustomTemplate(ctx, *vm.CustomTemplateID)
		if err != nil {
			return 0, 0, fmt.Errorf("loading vm custom template: %w", err)
		}
		return t.CPU, t.MemoryBytes, nil
	}
	return 0, 0, fmt.Errorf("vm %s has neither template nor custom template", vm.ID)
}

// regionHasIPCapacity reports whether at least one IpRange in the region
// has a free address, grounded on capacity.rs's IPRangeCapacity::available_capacity:
// network size minus used minus reserved (1 for use_full_range, else 3).
func (s *Scheduler) regionHasIPCapacity(ctx context.Context, regionID uuid.UUID) (bool, error) {
	ranges, err := s.Store.ListIpRangesByRegion(ctx, regionID)
	if err != nil {
		return false, fmt.Errorf("listing ip ranges: %w", err)
	}

	for _, r := range ranges {
		_, ipnet, err := net.ParseCIDR(r.CIDR)
		if err != nil {
			continue
		}
		ones, bits := ipnet.Mask.Size()
		hostBits := bits - ones
		// Cap the shift: IPv6 ranges narrower than /64 would overflow
		// int64, but availability only needs to distinguish "some" from
		// "none" at this size.
		if hostBits > 62 {
			hostBits = 62
		}
		size := int64(1) << uint(hostBits)

		reserved := int64(3)
		if r.UseFullRange {
			reserved = 1
		}

		assignments, err := s.Store.ListIpAssignmentsInRange(ctx, r.ID)
		if err != nil {
			return false, fmt.Errorf("listing ip assignments: %w", err)
		}

		available := saturatingSub(saturatingSub(size, int64(len(assignments))), reserved)
		if available >= 1 {
			return true, nil
		}
	}
	return false, nil
}

func saturatingSub(a, b int64) int64 {
	v := a - b
	if v < 0 {
		return 0
	}
	return v
}

func loadFraction(used, total float64) float64 {
	if total <= 0 {
		return 1
	}
	return used / total
}
