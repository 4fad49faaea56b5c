package provisioner

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/wisbric/lnvpsd/pkg/hostclient"
	"github.com/wisbric/lnvpsd/pkg/model"
	"github.com/wisbric/lnvpsd/pkg/netalloc"
	"github.com/wisbric/lnvpsd/pkg/opretry"
	"github.com/wisbric/lnvpsd/pkg/router"
	"github.com/wisbric/lnvpsd/pkg/scheduler"
)

type fakeStore struct {
	users      map[uuid.UUID]model.User
	templates  map[uuid.UUID]model.VmTemplate
	customTmpl map[uuid.UUID]model.VmCustomTemplate
	pricings   map[uuid.UUID]model.CustomPricing
	images     map[uuid.UUID]model.VmOsImage
	sshKeys    map[uuid.UUID]model.UserSshKey
	hosts      map[uuid.UUID]model.Host
	ranges     map[uuid.UUID]model.IpRange
	policies   map[uuid.UUID]model.AccessPolicy

	vms         map[uuid.UUID]model.Vm
	assignments map[uuid.UUID][]model.VmIpAssignment // by vm id

	hardDeleteCalls int
	softDeleted     map[uuid.UUID]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       map[uuid.UUID]model.User{},
		templates:   map[uuid.UUID]model.VmTemplate{},
		customTmpl:  map[uuid.UUID]model.VmCustomTemplate{},
		pricings:    map[uuid.UUID]model.CustomPricing{},
		images:      map[uuid.UUID]model.VmOsImage{},
		sshKeys:     map[uuid.UUID]model.UserSshKey{},
		hosts:       map[uuid.UUID]model.Host{},
		ranges:      map[uuid.UUID]model.IpRange{},
		policies:    map[uuid.UUID]model.AccessPolicy{},
		vms:         map[uuid.UUID]model.Vm{},
		assignments: map[uuid.UUID][]model.VmIpAssignment{},
		softDeleted: map[uuid.UUID]bool{},
	}
}

func (f *fakeStore) GetUser(ctx context.Context, id uuid.UUID) (model.User, error) {
	u, ok := f.users[id]
	if !ok {
		return model.User{}, fmt.Errorf("user not found")
	}
	return u, nil
}

func (f *fakeStore) GetVmTemplate(ctx context.Context, id uuid.UUID) (model.VmTemplate, error) {
	t, ok := f.templates[id]
	if !ok {
		return model.VmTemplate{}, fmt.Errorf("template not found")
	}
	return t, nil
}

func (f *fakeStore) GetVmCustomTemplate(ctx context.Context, id uuid.UUID) (model.VmCustomTemplate, error) {
	t, ok := f.customTmpl[id]
	if !ok {
		return model.VmCustomTemplate{}, fmt.Errorf("custom template not found")
	}
	return t, nil
}

func (f *fakeStore) GetCustomPricing(ctx context.Context, id uuid.UUID) (model.CustomPricing, error) {
	p, ok := f.pricings[id]
	if !ok {
		return model.CustomPricing{}, fmt.Errorf("pricing not found")
	}
	return p, nil
}

func (f *fakeStore) CreateVmCustomTemplate(ctx context.Context, t model.VmCustomTemplate) (model.VmCustomTemplate, error) {
	t.ID = uuid.New()
	f.customTmpl[t.ID] = t
	return t, nil
}

func (f *fakeStore) GetVmOsImage(ctx context.Context, id uuid.UUID) (model.VmOsImage, error) {
	img, ok := f.images[id]
	if !ok {
		return model.VmOsImage{}, fmt.Errorf("image not found")
	}
	return img, nil
}

func (f *fakeStore) GetUserSshKey(ctx context.Context, id uuid.UUID) (model.UserSshKey, error) {
	k, ok := f.sshKeys[id]
	if !ok {
		return model.UserSshKey{}, fmt.Errorf("ssh key not found")
	}
	return k, nil
}

func (f *fakeStore) GetHost(ctx context.Context, id uuid.UUID) (model.Host, error) {
	h, ok := f.hosts[id]
	if !ok {
		return model.Host{}, fmt.Errorf("host not found")
	}
	return h, nil
}

func (f *fakeStore) GetVm(ctx context.Context, id uuid.UUID) (model.Vm, error) {
	vm, ok := f.vms[id]
	if !ok {
		return model.Vm{}, fmt.Errorf("vm not found")
	}
	return vm, nil
}

func (f *fakeStore) CreateVm(ctx context.Context, v model.Vm) (model.Vm, error) {
	v.ID = uuid.New()
	f.vms[v.ID] = v
	return v, nil
}

func (f *fakeStore) UpdateVmMAC(ctx context.Context, id uuid.UUID, mac string) error {
	vm := f.vms[id]
	vm.MACAddress = mac
	f.vms[id] = vm
	return nil
}

func (f *fakeStore) SoftDeleteVm(ctx context.Context, id uuid.UUID) error {
	f.softDeleted[id] = true
	return nil
}

func (f *fakeStore) GetIpRange(ctx context.Context, id uuid.UUID) (model.IpRange, error) {
	r, ok := f.ranges[id]
	if !ok {
		return model.IpRange{}, fmt.Errorf("ip range not found")
	}
	return r, nil
}

func (f *fakeStore) GetAccessPolicy(ctx context.Context, id uuid.UUID) (model.AccessPolicy, error) {
	p, ok := f.policies[id]
	if !ok {
		return model.AccessPolicy{}, fmt.Errorf("access policy not found")
	}
	return p, nil
}

func (f *fakeStore) ListIpAssignmentsForVm(ctx context.Context, vmID uuid.UUID) ([]model.VmIpAssignment, error) {
	return f.assignments[vmID], nil
}

func (f *fakeStore) HardDeleteIpAssignmentsByVm(ctx context.Context, vmID uuid.UUID) error {
	f.hardDeleteCalls++
	delete(f.assignments, vmID)
	return nil
}

// fakePlacer always places onto a fixed host/disk.
type fakePlacer struct {
	placement scheduler.Placement
	err       error
}

func (f *fakePlacer) Place(ctx context.Context, regionID uuid.UUID, spec scheduler.ResourceSpec) (scheduler.Placement, error) {
	if f.err != nil {
		return scheduler.Placement{}, f.err
	}
	return f.placement, nil
}

// fakeNet is a controllable NetworkAllocator.
type fakeNet struct {
	v4Cand   netalloc.Candidate
	hasV6    bool
	v6Cand   netalloc.Candidate
	saveErr  error
	savedIPs []model.VmIpAssignment
	deleted  []uuid.UUID
}

func (f *fakeNet) SelectIPv4(ctx context.Context, regionID uuid.UUID) (netalloc.Candidate, error) {
	return f.v4Cand, nil
}

func (f *fakeNet) SelectIPv6(ctx context.Context, regionID uuid.UUID) (netalloc.Candidate, bool, error) {
	if !f.hasV6 {
		return netalloc.Candidate{}, false, nil
	}
	return f.v6Cand, true, nil
}

func (f *fakeNet) SaveIpAssignment(ctx context.Context, a model.VmIpAssignment, r model.IpRange, vm model.Vm) (model.VmIpAssignment, error) {
	if f.saveErr != nil {
		return model.VmIpAssignment{}, f.saveErr
	}
	a.ID = uuid.New()
	f.savedIPs = append(f.savedIPs, a)
	return a, nil
}

func (f *fakeNet) DeleteAllIpAssignments(ctx context.Context, vm model.Vm) error {
	f.deleted = append(f.deleted, vm.ID)
	return nil
}

// fakeRouter implements router.Router with no virtual-MAC support, driving
// MintMAC's HostClient fallback path.
type fakeRouter struct {
	removed []string
}

func (f *fakeRouter) GenerateMAC(ctx context.Context, ip, label string) (*router.ArpEntry, error) {
	return nil, nil
}
func (f *fakeRouter) ListArpEntries(ctx context.Context) ([]router.ArpEntry, error) { return nil, nil }
func (f *fakeRouter) AddArpEntry(ctx context.Context, entry router.ArpEntry) (router.ArpEntry, error) {
	return entry, nil
}
func (f *fakeRouter) UpdateArpEntry(ctx context.Context, entry router.ArpEntry) (router.ArpEntry, error) {
	return entry, nil
}
func (f *fakeRouter) RemoveArpEntry(ctx context.Context, id string) error {
	f.removed = append(f.removed, id)
	return nil
}

// fakeHostClient implements hostclient.HostClient, with switches to fail
// specific operations for rollback tests.
type fakeHostClient struct {
	mac        string
	failCreate bool
	failDelete bool
	created    []model.Vm
	deleted    []model.Vm
}

func (f *fakeHostClient) GetInfo(ctx context.Context) (hostclient.HostInfo, error) {
	return hostclient.HostInfo{}, nil
}
func (f *fakeHostClient) DownloadOsImage(ctx context.Context, imageURL string) error { return nil }
func (f *fakeHostClient) GenerateMAC(ctx context.Context, vmID uuid.UUID) (string, error) {
	return f.mac, nil
}
func (f *fakeHostClient) StartVm(ctx context.Context, vm model.Vm) error { return nil }
func (f *fakeHostClient) StopVm(ctx context.Context, vm model.Vm) error  { return nil }
func (f *fakeHostClient) ResetVm(ctx context.Context, vm model.Vm) error { return nil }
func (f *fakeHostClient) CreateVm(ctx context.Context, info hostclient.FullVmInfo) error {
	if f.failCreate {
		return opretry.Fatalf("simulated host create failure")
	}
	f.created = append(f.created, info.Vm)
	return nil
}
func (f *fakeHostClient) DeleteVm(ctx context.Context, vm model.Vm) error {
	if f.failDelete {
		return opretry.Fatalf("simulated host delete failure")
	}
	f.deleted = append(f.deleted, vm)
	return nil
}
func (f *fakeHostClient) ReinstallVm(ctx context.Context, info hostclient.FullVmInfo) error {
	return nil
}
func (f *fakeHostClient) ResizeDisk(ctx context.Context, info hostclient.FullVmInfo) error {
	return nil
}
func (f *fakeHostClient) GetVmState(ctx context.Context, vm model.Vm) (hostclient.RunningState, error) {
	return hostclient.StateRunning, nil
}
func (f *fakeHostClient) GetAllVmStates(ctx context.Context) (map[uuid.UUID]hostclient.RunningState, error) {
	return nil, nil
}
func (f *fakeHostClient) ConfigureVm(ctx context.Context, info hostclient.FullVmInfo) error {
	return nil
}
func (f *fakeHostClient) PatchFirewall(ctx context.Context, info hostclient.FullVmInfo) error {
	return nil
}
func (f *fakeHostClient) GetTimeSeriesData(ctx context.Context, vm model.Vm, g hostclient.Granularity) ([]hostclient.TimeSeriesPoint, error) {
	return nil, nil
}
func (f *fakeHostClient) ConnectTerminal(ctx context.Context, vm model.Vm) (hostclient.TerminalSession, error) {
	return hostclient.TerminalSession{}, nil
}

func testProvisioner(store *fakeStore, placer Placer, net *fakeNet, rtr *fakeRouter, client *fakeHostClient) *Provisioner {
	return &Provisioner{
		Store:     store,
		Scheduler: placer,
		Net:       net,
		Router:    rtr,
		HostClients: func(ctx context.Context, host model.Host) (hostclient.HostClient, error) {
			return client, nil
		},
		Retry: opretry.Policy{MaxAttempts: 1},
	}
}

func setupStandardVm(store *fakeStore) (vmID uuid.UUID, hostID uuid.UUID, regionID uuid.UUID) {
	regionID = uuid.New()
	hostID = uuid.New()
	diskID := uuid.New()
	imageID := uuid.New()
	userID := uuid.New()

	store.users[userID] = model.User{ID: userID}
	store.hosts[hostID] = model.Host{ID: hostID, RegionID: regionID, Kind: model.HostKindProxmox}
	store.images[imageID] = model.VmOsImage{ID: imageID, URL: "https://example.com/image.qcow2"}

	vm := model.Vm{
		HostID:     hostID,
		UserID:     userID,
		ImageID:    imageID,
		TemplateID: nil,
		DiskID:     diskID,
		MACAddress: model.UnsetMAC,
	}
	tmplID := uuid.New()
	store.templates[tmplID] = model.VmTemplate{ID: tmplID, RegionID: regionID, CPU: 2, MemoryBytes: 2 << 30, DiskSizeBytes: 40 << 30}
	vm.TemplateID = &tmplID
	vm, _ = store.CreateVm(context.Background(), vm)
	vmID = vm.ID
	return
}

func TestSpawnVmAllocatesAndSavesIPs(t *testing.T) {
	store := newFakeStore()
	vmID, hostID, regionID := setupStandardVm(store)

	rangeID := uuid.New()
	store.ranges[rangeID] = model.IpRange{ID: rangeID, RegionID: regionID, CIDR: "10.0.0.0/24", Gateway: "10.0.0.1"}

	net := &fakeNet{v4Cand: netalloc.Candidate{Range: store.ranges[rangeID], IP: "10.0.0.5"}}
	rtr := &fakeRouter{}
	client := &fakeHostClient{mac: "aa:bb:cc:dd:ee:ff"}
	placer := &fakePlacer{placement: scheduler.Placement{Host: model.Host{ID: hostID}, Disk: model.HostDisk{ID: uuid.New()}}}

	p := testProvisioner(store, placer, net, rtr, client)

	if err := p.SpawnVm(context.Background(), vmID); err != nil {
		t.Fatalf("SpawnVm() error = %v", err)
	}

	if len(client.created) != 1 {
		t.Fatalf("host CreateVm called %d times, want 1", len(client.created))
	}
	if len(net.savedIPs) != 1 {
		t.Fatalf("SaveIpAssignment called %d times, want 1", len(net.savedIPs))
	}
	vm := store.vms[vmID]
	if vm.MACAddress == model.UnsetMAC {
		t.Fatalf("vm mac not updated")
	}
}

func TestSpawnVmIdempotentReusesExistingAssignments(t *testing.T) {
	store := newFakeStore()
	vmID, hostID, regionID := setupStandardVm(store)

	rangeID := uuid.New()
	store.ranges[rangeID] = model.IpRange{ID: rangeID, RegionID: regionID, CIDR: "10.0.0.0/24", Gateway: "10.0.0.1"}
	existing := model.VmIpAssignment{ID: uuid.New(), VmID: vmID, IpRangeID: rangeID, IP: "10.0.0.9"}
	store.assignments[vmID] = []model.VmIpAssignment{existing}

	net := &fakeNet{}
	rtr := &fakeRouter{}
	client := &fakeHostClient{mac: "aa:bb:cc:dd:ee:ff"}
	placer := &fakePlacer{placement: scheduler.Placement{Host: model.Host{ID: hostID}, Disk: model.HostDisk{ID: uuid.New()}}}

	p := testProvisioner(store, placer, net, rtr, client)

	if err := p.SpawnVm(context.Background(), vmID); err != nil {
		t.Fatalf("SpawnVm() error = %v", err)
	}
	if len(net.savedIPs) != 0 {
		t.Fatalf("SaveIpAssignment called %d times, want 0 (existing assignment reused)", len(net.savedIPs))
	}
	if len(client.created) != 1 {
		t.Fatalf("host CreateVm called %d times, want 1", len(client.created))
	}
}

func TestSpawnVmRollsBackOnHostCreateFailure(t *testing.T) {
	store := newFakeStore()
	vmID, hostID, regionID := setupStandardVm(store)

	rangeID := uuid.New()
	store.ranges[rangeID] = model.IpRange{ID: rangeID, RegionID: regionID, CIDR: "10.0.0.0/24", Gateway: "10.0.0.1"}

	net := &fakeNet{v4Cand: netalloc.Candidate{Range: store.ranges[rangeID], IP: "10.0.0.5"}}
	rtr := &fakeRouter{}
	client := &fakeHostClient{mac: "aa:bb:cc:dd:ee:ff", failCreate: true}
	placer := &fakePlacer{placement: scheduler.Placement{Host: model.Host{ID: hostID}, Disk: model.HostDisk{ID: uuid.New()}}}

	p := testProvisioner(store, placer, net, rtr, client)

	err := p.SpawnVm(context.Background(), vmID)
	if err == nil {
		t.Fatalf("SpawnVm() error = nil, want error")
	}
	if store.hardDeleteCalls == 0 {
		t.Fatalf("allocate_ips rollback did not hard-delete ip assignments")
	}
	if len(net.savedIPs) != 0 {
		t.Fatalf("SaveIpAssignment called %d times, want 0 (save_vm step never reached)", len(net.savedIPs))
	}
}

func TestSpawnVmRollsBackOnSaveVmFailure(t *testing.T) {
	store := newFakeStore()
	vmID, hostID, regionID := setupStandardVm(store)

	rangeID := uuid.New()
	store.ranges[rangeID] = model.IpRange{ID: rangeID, RegionID: regionID, CIDR: "10.0.0.0/24", Gateway: "10.0.0.1"}

	net := &fakeNet{
		v4Cand:  netalloc.Candidate{Range: store.ranges[rangeID], IP: "10.0.0.5"},
		saveErr: opretry.Fatalf("simulated save failure"),
	}
	rtr := &fakeRouter{}
	client := &fakeHostClient{mac: "aa:bb:cc:dd:ee:ff"}
	placer := &fakePlacer{placement: scheduler.Placement{Host: model.Host{ID: hostID}, Disk: model.HostDisk{ID: uuid.New()}}}

	p := testProvisioner(store, placer, net, rtr, client)

	err := p.SpawnVm(context.Background(), vmID)
	if err == nil {
		t.Fatalf("SpawnVm() error = nil, want error")
	}
	if len(client.deleted) != 1 {
		t.Fatalf("host_spawn rollback: DeleteVm called %d times, want 1", len(client.deleted))
	}
	if len(net.deleted) != 1 {
		t.Fatalf("save_vm rollback: DeleteAllIpAssignments called %d times, want 1", len(net.deleted))
	}
	if store.hardDeleteCalls == 0 {
		t.Fatalf("save_vm rollback did not hard-delete ip assignments")
	}
}

func TestDeleteVmRunsForwardOnlyPipeline(t *testing.T) {
	store := newFakeStore()
	vmID, hostID, _ := setupStandardVm(store)
	store.hosts[hostID] = model.Host{ID: hostID, Kind: model.HostKindProxmox}

	net := &fakeNet{}
	client := &fakeHostClient{}
	p := testProvisioner(store, nil, net, &fakeRouter{}, client)

	if err := p.DeleteVm(context.Background(), vmID); err != nil {
		t.Fatalf("DeleteVm() error = %v", err)
	}
	if len(client.deleted) != 1 {
		t.Fatalf("host DeleteVm called %d times, want 1", len(client.deleted))
	}
	if len(net.deleted) != 1 {
		t.Fatalf("DeleteAllIpAssignments called %d times, want 1", len(net.deleted))
	}
	if !store.softDeleted[vmID] {
		t.Fatalf("vm not soft-deleted")
	}
}

func TestDeleteVmStopsOnHostFailure(t *testing.T) {
	store := newFakeStore()
	vmID, hostID, _ := setupStandardVm(store)
	store.hosts[hostID] = model.Host{ID: hostID, Kind: model.HostKindProxmox}

	net := &fakeNet{}
	client := &fakeHostClient{failDelete: true}
	p := testProvisioner(store, nil, net, &fakeRouter{}, client)

	if err := p.DeleteVm(context.Background(), vmID); err == nil {
		t.Fatalf("DeleteVm() error = nil, want error")
	}
	if len(net.deleted) != 0 {
		t.Fatalf("DeleteAllIpAssignments called %d times, want 0 (should stop after host failure)", len(net.deleted))
	}
	if store.softDeleted[vmID] {
		t.Fatalf("vm soft-deleted despite host delete failure")
	}
}
