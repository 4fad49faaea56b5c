// Package provisioner is the Provisioning Pipeline of spec.md §4.1: it
// creates a VM row and, on spawn, drives the Capacity Scheduler, Network
// Allocator and HostClient to make the VM durable on its hypervisor host —
// either fully, or rolled back with no ghost resource left behind.
// Grounded on original_source's provisioner/lnvps.rs LNVpsProvisioner.
package provisioner

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/lnvpsd/pkg/hostclient"
	"github.com/wisbric/lnvpsd/pkg/model"
	"github.com/wisbric/lnvpsd/pkg/netalloc"
	"github.com/wisbric/lnvpsd/pkg/opretry"
	"github.com/wisbric/lnvpsd/pkg/router"
	"github.com/wisbric/lnvpsd/pkg/scheduler"
	"github.com/wisbric/lnvpsd/pkg/vmhistory"
)

// Store is the persistence subset the provisioner needs.
type Store interface {
	GetUser(ctx context.Context, id uuid.UUID) (model.User, error)
	GetVmTemplate(ctx context.Context, id uuid.UUID) (model.VmTemplate, error)
	GetVmCustomTemplate(ctx context.Context, id uuid.UUID) (model.VmCustomTemplate, error)
	GetCustomPricing(ctx context.Context, id uuid.UUID) (model.CustomPricing, error)
	CreateVmCustomTemplate(ctx context.Context, t model.VmCustomTemplate) (model.VmCustomTemplate, error)
	GetVmOsImage(ctx context.Context, id uuid.UUID) (model.VmOsImage, error)
	GetUserSshKey(ctx context.Context, id uuid.UUID) (model.UserSshKey, error)
	GetHost(ctx context.Context, id uuid.UUID) (model.Host, error)
	GetVm(ctx context.Context, id uuid.UUID) (model.Vm, error)
	CreateVm(ctx context.Context, v model.Vm) (model.Vm, error)
	UpdateVmMAC(ctx context.Context, id uuid.UUID, mac string) error
	SoftDeleteVm(ctx context.Context, id uuid.UUID) error
	GetIpRange(ctx context.Context, id uuid.UUID) (model.IpRange, error)
	GetAccessPolicy(ctx context.Context, id uuid.UUID) (model.AccessPolicy, error)
	ListIpAssignmentsForVm(ctx context.Context, vmID uuid.UUID) ([]model.VmIpAssignment, error)
	HardDeleteIpAssignmentsByVm(ctx context.Context, vmID uuid.UUID) error
}

// Placer is the subset of *scheduler.Scheduler the provisioner calls.
type Placer interface {
	Place(ctx context.Context, regionID uuid.UUID, spec scheduler.ResourceSpec) (scheduler.Placement, error)
}

// NetworkAllocator is the subset of *netalloc.Allocator the provisioner calls.
type NetworkAllocator interface {
	SelectIPv4(ctx context.Context, regionID uuid.UUID) (netalloc.Candidate, error)
	SelectIPv6(ctx context.Context, regionID uuid.UUID) (netalloc.Candidate, bool, error)
	SaveIpAssignment(ctx context.Context, assignment model.VmIpAssignment, r model.IpRange, vm model.Vm) (model.VmIpAssignment, error)
	DeleteAllIpAssignments(ctx context.Context, vm model.Vm) error
}

// HostClientFactory builds the HostClient driver for a Host, resolving its
// kind and decrypting its credentials — see hostclient.NewClient.
type HostClientFactory func(ctx context.Context, host model.Host) (hostclient.HostClient, error)

// Locker takes an advisory, auto-expiring lock around a VM's pipeline
// execution — spec.md §5's "Two concurrent create pipelines for the same
// vm-id are undefined behavior; callers are expected to enforce
// at-most-one". Unlock releases the lock; it is a no-op if ok was false.
// A nil Locker on Provisioner disables locking (single-instance
// deployments, and every existing test double).
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(context.Context), ok bool, err error)
}

// Provisioner is the Provisioning Pipeline.
type Provisioner struct {
	Store       Store
	Scheduler   Placer
	Net         NetworkAllocator
	Router      router.Router
	HostClients HostClientFactory
	History     *vmhistory.Writer
	Retry       opretry.Policy
	Locker      Locker
}

// withVmLock runs fn holding an advisory lock on vmID, when a Locker is
// configured. A lock that is already held (another pipeline run for the
// same vm in flight) is reported back to the caller rather than silently
// serialized on, since the spec treats concurrent pipelines for one vm as
// caller error.
func (p *Provisioner) withVmLock(ctx context.Context, vmID uuid.UUID, fn func(ctx context.Context) error) error {
	if p.Locker == nil {
		return fn(ctx)
	}
	unlock, ok, err := p.Locker.Lock(ctx, "vm-pipeline:"+vmID.String())
	if err != nil {
		return fmt.Errorf("acquiring vm pipeline lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("vm %s already has a pipeline in flight", vmID)
	}
	defer unlock(ctx)
	return fn(ctx)
}

// Provision creates a Vm row for a standard template. It does not touch the
// hypervisor host or allocate network resources — spawn does that.
func (p *Provisioner) Provision(ctx context.Context, userID, templateID, imageID, sshKeyID uuid.UUID, refCode string) (model.Vm, error) {
	if _, err := p.Store.GetUser(ctx, userID); err != nil {
		return model.Vm{}, fmt.Errorf("looking up user: %w", err)
	}
	template, err := p.Store.GetVmTemplate(ctx, templateID)
	if err != nil {
		return model.Vm{}, fmt.Errorf("looking up template: %w", err)
	}
	if _, err := p.Store.GetVmOsImage(ctx, imageID); err != nil {
		return model.Vm{}, fmt.Errorf("looking up os image: %w", err)
	}
	if _, err := p.Store.GetUserSshKey(ctx, sshKeyID); err != nil {
		return model.Vm{}, fmt.Errorf("looking up ssh key: %w", err)
	}

	placement, err := p.Scheduler.Place(ctx, template.RegionID, scheduler.ResourceSpec{
		CPU: template.CPU, MemoryBytes: template.MemoryBytes, DiskSizeBytes: template.DiskSizeBytes,
		DiskKind: template.DiskKind, DiskInterface: template.DiskInterface,
	})
	if err != nil {
		return model.Vm{}, err
	}

	now := time.Now().Unix()
	vm := model.Vm{
		HostID:     placement.Host.ID,
		UserID:     userID,
		ImageID:    imageID,
		TemplateID: &templateID,
		SSHKeyID:   sshKeyID,
		DiskID:     placement.Disk.ID,
		MACAddress: model.UnsetMAC,
		CreatedAt:  now,
		ExpiresAt:  now,
		RefCode:    refCode,
	}
	vm, err = p.Store.CreateVm(ctx, vm)
	if err != nil {
		return model.Vm{}, fmt.Errorf("inserting vm: %w", err)
	}
	p.logHistory(vm.ID, "provisioned", map[string]any{"template_id": templateID})
	return vm, nil
}

// ProvisionCustom creates a Vm row under an a-la-carte spec: template is
// inserted as a new VmCustomTemplate before the Vm row is created.
func (p *Provisioner) ProvisionCustom(ctx context.Context, userID uuid.UUID, template model.VmCustomTemplate, imageID, sshKeyID uuid.UUID, refCode string) (model.Vm, error) {
	if _, err := p.Store.GetUser(ctx, userID); err != nil {
		return model.Vm{}, fmt.Errorf("looking up user: %w", err)
	}
	pricing, err := p.Store.GetCustomPricing(ctx, template.PricingID)
	if err != nil {
		return model.Vm{}, fmt.Errorf("looking up custom pricing: %w", err)
	}
	if _, err := p.Store.GetVmOsImage(ctx, imageID); err != nil {
		return model.Vm{}, fmt.Errorf("looking up os image: %w", err)
	}
	if _, err := p.Store.GetUserSshKey(ctx, sshKeyID); err != nil {
		return model.Vm{}, fmt.Errorf("looking up ssh key: %w", err)
	}

	placement, err := p.Scheduler.Place(ctx, pricing.RegionID, scheduler.ResourceSpec{
		CPU: template.CPU, MemoryBytes: template.MemoryBytes, DiskSizeBytes: template.DiskSizeBytes,
		DiskKind: template.DiskKind, DiskInterface: template.DiskInterface,
	})
	if err != nil {
		return model.Vm{}, err
	}

	template, err = p.Store.CreateVmCustomTemplate(ctx, template)
	if err != nil {
		return model.Vm{}, fmt.Errorf("inserting custom template: %w", err)
	}

	now := time.Now().Unix()
	vm := model.Vm{
		HostID:           placement.Host.ID,
		UserID:           userID,
		ImageID:          imageID,
		CustomTemplateID: &template.ID,
		SSHKeyID:         sshKeyID,
		DiskID:           placement.Disk.ID,
		MACAddress:       model.UnsetMAC,
		CreatedAt:        now,
		ExpiresAt:        now,
		RefCode:          refCode,
	}
	vm, err = p.Store.CreateVm(ctx, vm)
	if err != nil {
		return model.Vm{}, fmt.Errorf("inserting vm: %w", err)
	}
	p.logHistory(vm.ID, "provisioned", map[string]any{"custom_template_id": template.ID})
	return vm, nil
}

// spawnStep is one named (forward, rollback) pair of the spawn pipeline,
// spec.md §4.1.1.
type spawnStep struct {
	name     string
	forward  func(ctx context.Context) error
	rollback func(ctx context.Context)
}

// spawnCtx is the context object threaded through the spawn pipeline,
// spec.md §4.1.2.
type spawnCtx struct {
	vm             model.Vm
	host           model.Host
	client         hostclient.HostClient
	assignments    []model.VmIpAssignment
	ranges         map[uuid.UUID]model.IpRange
	mintedByRouter []string // arp_ref ids minted by the Router this run, for rollback
}

// SpawnVm runs the create pipeline for an already-provisioned Vm: allocate
// IPs, create it on the hypervisor host, then persist the MAC and IP
// assignments. Re-running with the same vm id is idempotent: existing IP
// assignments are reused (spec.md §4.1.3).
func (p *Provisioner) SpawnVm(ctx context.Context, vmID uuid.UUID) error {
	return p.withVmLock(ctx, vmID, func(ctx context.Context) error { return p.spawnVm(ctx, vmID) })
}

func (p *Provisioner) spawnVm(ctx context.Context, vmID uuid.UUID) error {
	vm, err := p.Store.GetVm(ctx, vmID)
	if err != nil {
		return fmt.Errorf("looking up vm: %w", err)
	}
	host, err := p.Store.GetHost(ctx, vm.HostID)
	if err != nil {
		return fmt.Errorf("looking up host: %w", err)
	}
	client, err := p.HostClients(ctx, host)
	if err != nil {
		return fmt.Errorf("building host client: %w", err)
	}

	sc := &spawnCtx{vm: vm, host: host, client: client, ranges: map[uuid.UUID]model.IpRange{}}

	steps := []spawnStep{
		{
			name:     "allocate_ips",
			forward:  func(ctx context.Context) error { return p.allocateIPs(ctx, sc) },
			rollback: func(ctx context.Context) { p.rollbackAllocateIPs(ctx, sc) },
		},
		{
			name: "host_spawn",
			forward: func(ctx context.Context) error {
				info, err := p.fullVmInfo(ctx, sc)
				if err != nil {
					return err
				}
				return sc.client.CreateVm(ctx, info)
			},
			rollback: func(ctx context.Context) {
				if err := sc.client.DeleteVm(ctx, sc.vm); err != nil {
					p.logRollbackFailure(sc.vm.ID, "host_spawn", err)
				}
			},
		},
		{
			name:     "save_vm",
			forward:  func(ctx context.Context) error { return p.saveVm(ctx, sc) },
			rollback: func(ctx context.Context) { p.rollbackSaveVm(ctx, sc) },
		},
	}

	for i, step := range steps {
		if err := p.Retry.Do(ctx, step.forward); err != nil {
			for j := i; j >= 0; j-- {
				steps[j].rollback(ctx)
			}
			p.logHistory(vm.ID, "spawn_failed:"+step.name, map[string]any{"error": err.Error()})
			return fmt.Errorf("spawn step %s: %w", step.name, err)
		}
	}

	p.logHistory(vm.ID, "spawned", nil)
	return nil
}

func (p *Provisioner) allocateIPs(ctx context.Context, sc *spawnCtx) error {
	existing, err := p.Store.ListIpAssignmentsForVm(ctx, sc.vm.ID)
	if err != nil {
		return fmt.Errorf("listing existing ip assignments: %w", err)
	}
	var live []model.VmIpAssignment
	for _, a := range existing {
		if !a.Deleted {
			live = append(live, a)
		}
	}
	if len(live) > 0 {
		sc.assignments = live
		for _, a := range live {
			r, err := p.Store.GetIpRange(ctx, a.IpRangeID)
			if err != nil {
				return fmt.Errorf("looking up ip range: %w", err)
			}
			sc.ranges[r.ID] = r
		}
		return nil
	}

	v4, err := p.Net.SelectIPv4(ctx, sc.host.RegionID)
	if err != nil {
		return err
	}
	sc.ranges[v4.Range.ID] = v4.Range

	var accessPolicy *model.AccessPolicy
	if v4.Range.AccessPolicyID != nil {
		ap, err := p.Store.GetAccessPolicy(ctx, *v4.Range.AccessPolicyID)
		if err != nil {
			return fmt.Errorf("looking up access policy: %w", err)
		}
		accessPolicy = &ap
	}

	label := "vm-" + sc.vm.ID.String()
	mac, arpRef, err := netalloc.MintMAC(ctx, v4.IP, accessPolicy, p.Router, sc.client, sc.vm.ID, label)
	if err != nil {
		return err
	}
	sc.vm.MACAddress = mac
	if arpRef != nil {
		sc.mintedByRouter = append(sc.mintedByRouter, *arpRef)
	}
	v4Assignment := model.VmIpAssignment{VmID: sc.vm.ID, IpRangeID: v4.Range.ID, IP: v4.IP, ArpRef: arpRef}
	sc.assignments = append(sc.assignments, v4Assignment)

	v6, ok, err := p.Net.SelectIPv6(ctx, sc.host.RegionID)
	if err != nil {
		return err
	}
	if ok {
		sc.ranges[v6.Range.ID] = v6.Range
		ip6 := v6.IP
		if ip6 == "" {
			ip6, err = netalloc.FixEUI64(v6.Range.CIDR, sc.vm.MACAddress)
			if err != nil {
				return opretry.WrapFatal(err)
			}
		}
		sc.assignments = append(sc.assignments, model.VmIpAssignment{VmID: sc.vm.ID, IpRangeID: v6.Range.ID, IP: ip6})
	}

	return nil
}

func (p *Provisioner) rollbackAllocateIPs(ctx context.Context, sc *spawnCtx) {
	for _, ref := range sc.mintedByRouter {
		if err := p.Router.RemoveArpEntry(ctx, ref); err != nil {
			p.logRollbackFailure(sc.vm.ID, "allocate_ips", err)
		}
	}
	if err := p.Store.HardDeleteIpAssignmentsByVm(ctx, sc.vm.ID); err != nil {
		p.logRollbackFailure(sc.vm.ID, "allocate_ips", err)
	}
}

func (p *Provisioner) saveVm(ctx context.Context, sc *spawnCtx) error {
	if err := p.Store.UpdateVmMAC(ctx, sc.vm.ID, sc.vm.MACAddress); err != nil {
		return fmt.Errorf("persisting vm mac: %w", err)
	}
	for i, a := range sc.assignments {
		if a.ID != uuid.Nil {
			continue // already persisted, idempotent re-run
		}
		saved, err := p.Net.SaveIpAssignment(ctx, a, sc.ranges[a.IpRangeID], sc.vm)
		if err != nil {
			return err
		}
		sc.assignments[i] = saved
	}
	return nil
}

func (p *Provisioner) rollbackSaveVm(ctx context.Context, sc *spawnCtx) {
	if err := p.Net.DeleteAllIpAssignments(ctx, sc.vm); err != nil {
		p.logRollbackFailure(sc.vm.ID, "save_vm", err)
	}
	if err := p.Store.HardDeleteIpAssignmentsByVm(ctx, sc.vm.ID); err != nil {
		p.logRollbackFailure(sc.vm.ID, "save_vm", err)
	}
}

func (p *Provisioner) fullVmInfo(ctx context.Context, sc *spawnCtx) (hostclient.FullVmInfo, error) {
	cpu, mem, diskSize, diskKind, diskIface, err := p.resolveResources(ctx, sc.vm)
	if err != nil {
		return hostclient.FullVmInfo{}, err
	}
	image, err := p.Store.GetVmOsImage(ctx, sc.vm.ImageID)
	if err != nil {
		return hostclient.FullVmInfo{}, fmt.Errorf("looking up os image: %w", err)
	}

	info := hostclient.FullVmInfo{
		Vm: sc.vm, CPU: cpu, MemoryBytes: mem, DiskSizeBytes: diskSize,
		DiskKind: diskKind, DiskInterface: diskIface, ImageURL: image.URL,
	}
	for _, a := range sc.assignments {
		ip := net.ParseIP(a.IP)
		if ip == nil {
			continue
		}
		if ip.To4() != nil {
			info.IPv4 = a.IP
			if r, ok := sc.ranges[a.IpRangeID]; ok {
				info.Gateway4 = r.Gateway
			}
		} else {
			info.IPv6 = a.IP
		}
	}
	return info, nil
}

func (p *Provisioner) resolveResources(ctx context.Context, vm model.Vm) (cpu int, memBytes, diskBytes int64, diskKind model.DiskKind, diskIface model.DiskInterface, err error) {
	if vm.TemplateID != nil {
		t, err := p.Store.GetVmTemplate(ctx, *vm.TemplateID)
		if err != nil {
			return 0, 0, 0, "", "", fmt.Errorf("looking up template: %w", err)
		}
		return t.CPU, t.MemoryBytes, t.DiskSizeBytes, t.DiskKind, t.DiskInterface, nil
	}
	t, err := p.Store.GetVmCustomTemplate(ctx, *vm.CustomTemplateID)
	if err != nil {
		return 0, 0, 0, "", "", fmt.Errorf("looking up custom template: %w", err)
	}
	return t.CPU, t.MemoryBytes, t.DiskSizeBytes, t.DiskKind, t.DiskInterface, nil
}

// DeleteVm runs the delete pipeline, spec.md §4.1.4: no rollback, each step
// retried under the global policy, stopping at the first unretryable
// failure.
func (p *Provisioner) DeleteVm(ctx context.Context, vmID uuid.UUID) error {
	return p.withVmLock(ctx, vmID, func(ctx context.Context) error { return p.deleteVm(ctx, vmID) })
}

func (p *Provisioner) deleteVm(ctx context.Context, vmID uuid.UUID) error {
	vm, err := p.Store.GetVm(ctx, vmID)
	if err != nil {
		return fmt.Errorf("looking up vm: %w", err)
	}
	host, err := p.Store.GetHost(ctx, vm.HostID)
	if err != nil {
		return fmt.Errorf("looking up host: %w", err)
	}
	client, err := p.HostClients(ctx, host)
	if err != nil {
		return fmt.Errorf("building host client: %w", err)
	}

	if err := p.Retry.Do(ctx, func(ctx context.Context) error { return client.DeleteVm(ctx, vm) }); err != nil {
		return fmt.Errorf("host_delete_vm: %w", err)
	}
	if err := p.Retry.Do(ctx, func(ctx context.Context) error { return p.Net.DeleteAllIpAssignments(ctx, vm) }); err != nil {
		return fmt.Errorf("delete_ips: %w", err)
	}
	if err := p.Store.SoftDeleteVm(ctx, vmID); err != nil {
		return fmt.Errorf("delete_vm_db: %w", err)
	}

	p.logHistory(vmID, "deleted", nil)
	return nil
}

func (p *Provisioner) logRollbackFailure(vmID uuid.UUID, step string, err error) {
	if p.History == nil {
		return
	}
	p.History.Log(vmhistory.Entry{VmID: vmID, Action: "rollback_failed:" + step, Detail: detailJSON(map[string]any{"error": err.Error()})})
}

func (p *Provisioner) logHistory(vmID uuid.UUID, action string, detail map[string]any) {
	if p.History == nil {
		return
	}
	p.History.Log(vmhistory.Entry{VmID: vmID, Action: action, Detail: detailJSON(detail)})
}

func detailJSON(detail map[string]any) json.RawMessage {
	if detail == nil {
		return nil
	}
	b, err := json.Marshal(detail)
	if err != nil {
		return nil
	}
	return b
}
