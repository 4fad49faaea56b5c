package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/lnvpsd/pkg/model"
)

type fakeStore struct {
	hosts       map[uuid.UUID][]model.Host
	disks       map[uuid.UUID][]model.HostDisk
	diskUsed    map[uuid.UUID]int64
	vms         map[uuid.UUID][]model.Vm
	templates   map[uuid.UUID]model.VmTemplate
	custom      map[uuid.UUID]model.VmCustomTemplate
	ranges      map[uuid.UUID][]model.IpRange
	assignments map[uuid.UUID][]model.VmIpAssignment
}

func (f *fakeStore) ListHostsByRegion(ctx context.Context, regionID uuid.UUID) ([]model.Host, error) {
	return f.hosts[regionID], nil
}

func (f *fakeStore) ListDisksByHost(ctx context.Context, hostID uuid.UUID) ([]model.HostDisk, error) {
	return f.disks[hostID], nil
}

func (f *fakeStore) DiskUsedBytes(ctx context.Context, diskID uuid.UUID) (int64, error) {
	return f.diskUsed[diskID], nil
}

func (f *fakeStore) ListVmsOnHost(ctx context.Context, hostID uuid.UUID) ([]model.Vm, error) {
	return f.vms[hostID], nil
}

func (f *fakeStore) GetVmTemplate(ctx context.Context, id uuid.UUID) (model.VmTemplate, error) {
	return f.templates[id], nil
}

func (f *fakeStore) GetVmCustomTemplate(ctx context.Context, id uuid.UUID) (model.VmCustomTemplate, error) {
	return f.custom[id], nil
}

func (f *fakeStore) ListIpRangesByRegion(ctx context.Context, regionID uuid.UUID) ([]model.IpRange, error) {
	return f.ranges[regionID], nil
}

func (f *fakeStore) ListIpAssignmentsInRange(ctx context.Context, rangeID uuid.UUID) ([]model.VmIpAssignment, error) {
	return f.assignments[rangeID], nil
}

func baseStore(region uuid.UUID, host model.Host, disk model.HostDisk) *fakeStore {
	return &fakeStore{
		hosts: map[uuid.UUID][]model.Host{region: {host}},
		disks: map[uuid.UUID][]model.HostDisk{host.ID: {disk}},
		ranges: map[uuid.UUID][]model.IpRange{
			region: {{ID: uuid.New(), RegionID: region, CIDR: "10.0.0.0/24", Gateway: "10.0.0.1", Enabled: true}},
		},
	}
}

func TestPlaceEmptyHostHasFullCapacity(t *testing.T) {
	region := uuid.New()
	host := model.Host{ID: uuid.New(), RegionID: region, CPUCores: 100, MemoryBytes: 100, LoadFactor: model.LoadFactors{CPU: 2, Memory: 3, Disk: 4}}
	disk := model.HostDisk{ID: uuid.New(), HostID: host.ID, SizeBytes: 100, Kind: model.DiskKindSSD, Interface: model.DiskInterfacePCIe, Enabled: true}
	store := baseStore(region, host, disk)

	p, err := (&Scheduler{Store: store}).Place(context.Background(), region, ResourceSpec{
		CPU: 4, MemoryBytes: 4, DiskSizeBytes: 4, DiskKind: model.DiskKindSSD, DiskInterface: model.DiskInterfacePCIe,
	})
	if err != nil {
		t.Fatalf("Place() error = %v", err)
	}
	if p.Host.ID != host.ID || p.Disk.ID != disk.ID {
		t.Fatalf("Place() = %+v, want host %s disk %s", p, host.ID, disk.ID)
	}
}

func TestPlaceExpiredVmDoesntCount(t *testing.T) {
	region := uuid.New()
	host := model.Host{ID: uuid.New(), RegionID: region, CPUCores: 4, MemoryBytes: 4, LoadFactor: model.LoadFactors{CPU: 1, Memory: 1, Disk: 1}}
	disk := model.HostDisk{ID: uuid.New(), HostID: host.ID, SizeBytes: 10, Kind: model.DiskKindSSD, Interface: model.DiskInterfacePCIe, Enabled: true}
	store := baseStore(region, host, disk)

	tmplID := uuid.New()
	store.templates = map[uuid.UUID]model.VmTemplate{tmplID: {ID: tmplID, CPU: 4, MemoryBytes: 4}}
	store.vms = map[uuid.UUID][]model.Vm{
		host.ID: {{ID: uuid.New(), HostID: host.ID, TemplateID: &tmplID, ExpiresAt: time.Now().Add(-time.Hour).Unix()}},
	}

	p, err := (&Scheduler{Store: store}).Place(context.Background(), region, ResourceSpec{
		CPU: 4, MemoryBytes: 4, DiskSizeBytes: 1, DiskKind: model.DiskKindSSD, DiskInterface: model.DiskInterfacePCIe,
	})
	if err != nil {
		t.Fatalf("Place() error = %v, expired vm should not consume capacity", err)
	}
	if p.Host.ID != host.ID {
		t.Fatalf("Place() host = %s, want %s", p.Host.ID, host.ID)
	}
}

func TestPlaceNoCapacityWhenHostFull(t *testing.T) {
	region := uuid.New()
	host := model.Host{ID: uuid.New(), RegionID: region, CPUCores: 4, MemoryBytes: 4096, LoadFactor: model.LoadFactors{CPU: 1, Memory: 1, Disk: 1}}
	disk := model.HostDisk{ID: uuid.New(), HostID: host.ID, SizeBytes: 10, Kind: model.DiskKindSSD, Interface: model.DiskInterfacePCIe, Enabled: true}
	store := baseStore(region, host, disk)

	tmplID := uuid.New()
	store.templates = map[uuid.UUID]model.VmTemplate{tmplID: {ID: tmplID, CPU: 4, MemoryBytes: 4096}}
	store.vms = map[uuid.UUID][]model.Vm{
		host.ID: {{ID: uuid.New(), HostID: host.ID, TemplateID: &tmplID, ExpiresAt: time.Now().Add(time.Hour).Unix()}},
	}

	_, err := (&Scheduler{Store: store}).Place(context.Background(), region, ResourceSpec{
		CPU: 1, MemoryBytes: 1, DiskSizeBytes: 1, DiskKind: model.DiskKindSSD, DiskInterface: model.DiskInterfacePCIe,
	})
	if err != ErrNoCapacity {
		t.Fatalf("Place() error = %v, want ErrNoCapacity", err)
	}
}

func TestPlaceNoCapacityWhenNoMatchingDisk(t *testing.T) {
	region := uuid.New()
	host := model.Host{ID: uuid.New(), RegionID: region, CPUCores: 4, MemoryBytes: 4096, LoadFactor: model.LoadFactors{CPU: 1, Memory: 1, Disk: 1}}
	disk := model.HostDisk{ID: uuid.New(), HostID: host.ID, SizeBytes: 10, Kind: model.DiskKindHDD, Interface: model.DiskInterfaceSATA, Enabled: true}
	store := baseStore(region, host, disk)

	_, err := (&Scheduler{Store: store}).Place(context.Background(), region, ResourceSpec{
		CPU: 1, MemoryBytes: 1, DiskSizeBytes: 1, DiskKind: model.DiskKindSSD, DiskInterface: model.DiskInterfacePCIe,
	})
	if err != ErrNoCapacity {
		t.Fatalf("Place() error = %v, want ErrNoCapacity", err)
	}
}

func TestPlaceNoCapacityWhenRegionOutOfIPs(t *testing.T) {
	region := uuid.New()
	host := model.Host{ID: uuid.New(), RegionID: region, CPUCores: 4, MemoryBytes: 4096, LoadFactor: model.LoadFactors{CPU: 1, Memory: 1, Disk: 1}}
	disk := model.HostDisk{ID: uuid.New(), HostID: host.ID, SizeBytes: 10, Kind: model.DiskKindSSD, Interface: model.DiskInterfacePCIe, Enabled: true}
	store := baseStore(region, host, disk)

	// /30 with use_full_range=false: size 4, reserved 3, so only 1 free;
	// fill that single slot.
	r := model.IpRange{ID: uuid.New(), RegionID: region, CIDR: "10.0.0.0/30", Gateway: "10.0.0.1", Enabled: true}
	store.ranges = map[uuid.UUID][]model.IpRange{region: {r}}
	store.assignments = map[uuid.UUID][]model.VmIpAssignment{r.ID: {{IP: "10.0.0.2"}}}

	_, err := (&Scheduler{Store: store}).Place(context.Background(), region, ResourceSpec{
		CPU: 1, MemoryBytes: 1, DiskSizeBytes: 1, DiskKind: model.DiskKindSSD, DiskInterface: model.DiskInterfacePCIe,
	})
	if err != ErrNoCapacity {
		t.Fatalf("Place() error = %v, want ErrNoCapacity", err)
	}
}

func TestPlacePrefersHostWithLowerLoad(t *testing.T) {
	region := uuid.New()
	busy := model.Host{ID: uuid.New(), RegionID: region, CPUCores: 10, MemoryBytes: 10, LoadFactor: model.LoadFactors{CPU: 1, Memory: 1, Disk: 1}}
	idle := model.Host{ID: uuid.New(), RegionID: region, CPUCores: 10, MemoryBytes: 10, LoadFactor: model.LoadFactors{CPU: 1, Memory: 1, Disk: 1}}
	busyDisk := model.HostDisk{ID: uuid.New(), HostID: busy.ID, SizeBytes: 10, Kind: model.DiskKindSSD, Interface: model.DiskInterfacePCIe, Enabled: true}
	idleDisk := model.HostDisk{ID: uuid.New(), HostID: idle.ID, SizeBytes: 10, Kind: model.DiskKindSSD, Interface: model.DiskInterfacePCIe, Enabled: true}

	store := &fakeStore{
		hosts: map[uuid.UUID][]model.Host{region: {busy, idle}},
		disks: map[uuid.UUID][]model.HostDisk{busy.ID: {busyDisk}, idle.ID: {idleDisk}},
		ranges: map[uuid.UUID][]model.IpRange{
			region: {{ID: uuid.New(), RegionID: region, CIDR: "10.0.0.0/24", Gateway: "10.0.0.1", Enabled: true}},
		},
	}
	tmplID := uuid.New()
	store.templates = map[uuid.UUID]model.VmTemplate{tmplID: {ID: tmplID, CPU: 8, MemoryBytes: 8}}
	store.vms = map[uuid.UUID][]model.Vm{
		busy.ID: {{ID: uuid.New(), HostID: busy.ID, TemplateID: &tmplID, ExpiresAt: time.Now().Add(time.Hour).Unix()}},
	}

	p, err := (&Scheduler{Store: store}).Place(context.Background(), region, ResourceSpec{
		CPU: 1, MemoryBytes: 1, DiskSizeBytes: 1, DiskKind: model.DiskKindSSD, DiskInterface: model.DiskInterfacePCIe,
	})
	if err != nil {
		t.Fatalf("Place() error = %v", err)
	}
	if p.Host.ID != idle.ID {
		t.Fatalf("Place() host = %s, want idle host %s", p.Host.ID, idle.ID)
	}
}
