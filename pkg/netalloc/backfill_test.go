package netalloc

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/wisbric/lnvpsd/pkg/model"
)

type fakeBackfillHosts struct {
	hostsByRegion map[uuid.UUID][]model.Host
	vmsByHost     map[uuid.UUID][]model.Vm
}

func (f *fakeBackfillHosts) ListHostsByRegion(ctx context.Context, regionID uuid.UUID) ([]model.Host, error) {
	return f.hostsByRegion[regionID], nil
}

func (f *fakeBackfillHosts) ListVmsOnHost(ctx context.Context, hostID uuid.UUID) ([]model.Vm, error) {
	return f.vmsByHost[hostID], nil
}

func TestBackfillIPv6AssignsVmsLackingOne(t *testing.T) {
	region := uuid.New()
	host := model.Host{ID: uuid.New(), RegionID: region}
	vmWithV4Only := model.Vm{ID: uuid.New(), HostID: host.ID, MACAddress: "02:00:00:00:00:01"}
	vmAlreadyHasV6 := model.Vm{ID: uuid.New(), HostID: host.ID}

	v6Range := model.IpRange{
		ID: uuid.New(), RegionID: region, CIDR: "fd00::/64",
		Gateway: "fd00::1", Enabled: true, AllocationMode: model.AllocationSlaacEui64,
	}

	st := &fakeStore{
		byRegion: map[uuid.UUID][]model.IpRange{region: {v6Range}},
		byVm: map[uuid.UUID][]model.VmIpAssignment{
			vmWithV4Only.ID:   {{IP: "10.0.0.5"}},
			vmAlreadyHasV6.ID: {{IP: "fd00::1:2"}},
		},
	}
	hosts := &fakeBackfillHosts{
		hostsByRegion: map[uuid.UUID][]model.Host{region: {host}},
		vmsByHost:     map[uuid.UUID][]model.Vm{host.ID: {vmWithV4Only, vmAlreadyHasV6}},
	}

	a := &Allocator{Store: st}
	n, err := a.BackfillIPv6(context.Background(), hosts, region)
	if err != nil {
		t.Fatalf("BackfillIPv6() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("BackfillIPv6() assigned = %d, want 1", n)
	}
	if len(st.saved) != 1 || st.saved[0].VmID != vmWithV4Only.ID {
		t.Fatalf("saved = %+v, want one assignment for %s", st.saved, vmWithV4Only.ID)
	}
}

func TestBackfillIPv6NoRangeIsNoop(t *testing.T) {
	region := uuid.New()
	host := model.Host{ID: uuid.New(), RegionID: region}
	vm := model.Vm{ID: uuid.New(), HostID: host.ID}

	st := &fakeStore{byRegion: map[uuid.UUID][]model.IpRange{region: {}}}
	hosts := &fakeBackfillHosts{
		hostsByRegion: map[uuid.UUID][]model.Host{region: {host}},
		vmsByHost:     map[uuid.UUID][]model.Vm{host.ID: {vm}},
	}

	a := &Allocator{Store: st}
	n, err := a.BackfillIPv6(context.Background(), hosts, region)
	if err != nil {
		t.Fatalf("BackfillIPv6() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("BackfillIPv6() assigned = %d, want 0", n)
	}
}
