package netalloc

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/wisbric/lnvpsd/pkg/model"
)

type fakeStore struct {
	ranges      map[uuid.UUID]model.IpRange
	byRegion    map[uuid.UUID][]model.IpRange
	assignments map[uuid.UUID][]model.VmIpAssignment // by range id
	byVm        map[uuid.UUID][]model.VmIpAssignment
	policies    map[uuid.UUID]model.AccessPolicy
	saved       []model.VmIpAssignment
}

func (f *fakeStore) GetIpRange(ctx context.Context, id uuid.UUID) (model.IpRange, error) {
	return f.ranges[id], nil
}

func (f *fakeStore) ListIpRangesByRegion(ctx context.Context, regionID uuid.UUID) ([]model.IpRange, error) {
	return f.byRegion[regionID], nil
}

func (f *fakeStore) GetAccessPolicy(ctx context.Context, id uuid.UUID) (model.AccessPolicy, error) {
	return f.policies[id], nil
}

func (f *fakeStore) ListIpAssignmentsInRange(ctx context.Context, rangeID uuid.UUID) ([]model.VmIpAssignment, error) {
	return f.assignments[rangeID], nil
}

func (f *fakeStore) ListIpAssignmentsForVm(ctx context.Context, vmID uuid.UUID) ([]model.VmIpAssignment, error) {
	return f.byVm[vmID], nil
}

func (f *fakeStore) SaveIpAssignment(ctx context.Context, a model.VmIpAssignment) (model.VmIpAssignment, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	f.saved = append(f.saved, a)
	return a, nil
}

func (f *fakeStore) SoftDeleteIpAssignment(ctx context.Context, id uuid.UUID) error {
	return nil
}

func TestSelectIPv4Sequential(t *testing.T) {
	region := uuid.New()
	r := model.IpRange{
		ID:             uuid.New(),
		RegionID:       region,
		CIDR:           "10.0.0.0/29",
		Gateway:        "10.0.0.1",
		Enabled:        true,
		AllocationMode: model.AllocationSequential,
	}
	store := &fakeStore{
		ranges:      map[uuid.UUID]model.IpRange{r.ID: r},
		byRegion:    map[uuid.UUID][]model.IpRange{region: {r}},
		assignments: map[uuid.UUID][]model.VmIpAssignment{},
	}
	a := &Allocator{Store: store}

	cand, err := a.SelectIPv4(context.Background(), region)
	if err != nil {
		t.Fatalf("SelectIPv4() error = %v", err)
	}
	// network=10.0.0.0, gateway=10.0.0.1, broadcast=10.0.0.7; first free = .2
	if cand.IP != "10.0.0.2" {
		t.Fatalf("SelectIPv4() ip = %q, want 10.0.0.2", cand.IP)
	}
}

func TestSelectIPv4SkipsUsedAndReserved(t *testing.T) {
	region := uuid.New()
	r := model.IpRange{
		ID: uuid.New(), RegionID: region, CIDR: "10.0.0.0/29", Gateway: "10.0.0.1",
		Enabled: true, AllocationMode: model.AllocationSequential,
	}
	store := &fakeStore{
		ranges:   map[uuid.UUID]model.IpRange{r.ID: r},
		byRegion: map[uuid.UUID][]model.IpRange{region: {r}},
		assignments: map[uuid.UUID][]model.VmIpAssignment{
			r.ID: {{IP: "10.0.0.2"}},
		},
	}
	a := &Allocator{Store: store}

	cand, err := a.SelectIPv4(context.Background(), region)
	if err != nil {
		t.Fatalf("SelectIPv4() error = %v", err)
	}
	if cand.IP != "10.0.0.3" {
		t.Fatalf("SelectIPv4() ip = %q, want 10.0.0.3", cand.IP)
	}
}

func TestSelectIPv6NoRangeIsNotError(t *testing.T) {
	region := uuid.New()
	store := &fakeStore{byRegion: map[uuid.UUID][]model.IpRange{region: {}}}
	a := &Allocator{Store: store}

	_, ok, err := a.SelectIPv6(context.Background(), region)
	if err != nil {
		t.Fatalf("SelectIPv6() error = %v, want nil", err)
	}
	if ok {
		t.Fatalf("SelectIPv6() ok = true, want false with no ipv6 range")
	}
}

func TestFixEUI64(t *testing.T) {
	addr, err := FixEUI64("fd00::/64", "02:00:00:00:00:01")
	if err != nil {
		t.Fatalf("FixEUI64() error = %v", err)
	}
	want := "fd00::ff:fe00:1"
	if addr != want {
		t.Fatalf("FixEUI64() = %s, want %s", addr, want)
	}
}

func TestFixEUI64RejectsNonSlash64(t *testing.T) {
	if _, err := FixEUI64("fd00::/48", "02:00:00:00:00:01"); err == nil {
		t.Fatalf("FixEUI64() error = nil, want error for non-/64 range")
	}
}

func TestSaveIpAssignmentRejectsOutOfRangeIP(t *testing.T) {
	r := model.IpRange{ID: uuid.New(), CIDR: "10.0.0.0/29"}
	a := &Allocator{Store: &fakeStore{}}
	vm := model.Vm{ID: uuid.New()}

	_, err := a.SaveIpAssignment(context.Background(), model.VmIpAssignment{IP: "192.168.1.1"}, r, vm)
	if err == nil {
		t.Fatalf("SaveIpAssignment() error = nil, want error for out-of-range ip")
	}
}
