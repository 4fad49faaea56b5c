package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/lnvpsd/pkg/hostclient"
	"github.com/wisbric/lnvpsd/pkg/model"
	"github.com/wisbric/lnvpsd/pkg/vmhistory"
)

const unpaidNewGracePeriod = 24 * time.Hour

// patchHosts implements spec.md §4.6's PatchHosts job: correct each
// Host's declared capacity and HostDisk sizes to observed truth, and
// reconcile each VM's firewall ruleset.
func (w *Worker) patchHosts(ctx context.Context) error {
	hosts, err := w.deps.Store.ListAllHosts(ctx)
	if err != nil {
		return fmt.Errorf("listing hosts: %w", err)
	}

	for _, host := range hosts {
		if err := w.patchHost(ctx, host); err != nil {
			w.deps.Logger.Error("patch_hosts failed for host", "host_id", host.ID, "error", err)
		}
	}
	return nil
}

func (w *Worker) patchHost(ctx context.Context, host model.Host) error {
	client, err := w.deps.HostClients(ctx, host)
	if err != nil {
		return fmt.Errorf("building host client: %w", err)
	}

	info, err := client.GetInfo(ctx)
	if err != nil {
		return fmt.Errorf("get_info: %w", err)
	}
	if err := w.deps.Store.UpdateHostCapacity(ctx, host.ID, info.CPUCores, info.MemoryBytes); err != nil {
		return fmt.Errorf("updating host capacity: %w", err)
	}

	disks, err := w.deps.Store.ListDisksByHost(ctx, host.ID)
	if err != nil {
		return fmt.Errorf("listing disks: %w", err)
	}
	observedByName := make(map[string]hostclient.DiskInfo, len(info.Disks))
	for _, d := range info.Disks {
		observedByName[d.Name] = d
	}
	for _, disk := range disks {
		if observed, ok := observedByName[disk.Name]; ok && observed.SizeBytes != disk.SizeBytes {
			if err := w.deps.Store.UpdateHostDiskSize(ctx, disk.ID, observed.SizeBytes); err != nil {
				w.deps.Logger.Error("updating host disk size", "disk_id", disk.ID, "error", err)
			}
		}
	}

	vms, err := w.deps.Store.ListVmsOnHost(ctx, host.ID)
	if err != nil {
		return fmt.Errorf("listing vms on host: %w", err)
	}
	for _, vm := range vms {
		info, err := w.fullVmInfo(ctx, vm)
		if err != nil {
			w.deps.Logger.Error("resolving vm info for firewall patch", "vm_id", vm.ID, "error", err)
			continue
		}
		if err := client.PatchFirewall(ctx, info); err != nil {
			w.deps.Logger.Error("patch_firewall failed", "vm_id", vm.ID, "error", err)
		}
	}
	return nil
}

// checkVms implements spec.md §4.6's CheckVms job: bucket every VM by
// host, fetch observed states in bulk per host, and run handle_vm_state
// on each pair. Unpaid VMs older than 24h are deleted outright.
func (w *Worker) checkVms(ctx context.Context) error {
	now := time.Now()

	lastSweep := w.loadLastSweep(ctx)

	hosts, err := w.deps.Store.ListAllHosts(ctx)
	if err != nil {
		return fmt.Errorf("listing hosts: %w", err)
	}
	for _, host := range hosts {
		if err := w.checkVmsOnHost(ctx, host, now, lastSweep); err != nil {
			w.deps.Logger.Error("check_vms failed for host", "host_id", host.ID, "error", err)
		}
	}

	cutoff := now.Add(-unpaidNewGracePeriod).Unix()
	unpaid, err := w.deps.Store.ListUnpaidVmsOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("listing unpaid vms: %w", err)
	}
	for _, vm := range unpaid {
		if err := w.deps.Provisioner.DeleteVm(ctx, vm.ID); err != nil {
			w.deps.Logger.Error("deleting unpaid-new vm", "vm_id", vm.ID, "error", err)
			continue
		}
		w.logHistory(vm.ID, "deleted_unpaid_new", nil)
	}

	w.storeLastSweep(ctx, now)
	return nil
}

func (w *Worker) checkVmsOnHost(ctx context.Context, host model.Host, now time.Time, lastSweep time.Time) error {
	vms, err := w.deps.Store.ListVmsOnHost(ctx, host.ID)
	if err != nil {
		return fmt.Errorf("listing vms on host: %w", err)
	}
	if len(vms) == 0 {
		return nil
	}

	client, err := w.deps.HostClients(ctx, host)
	if err != nil {
		return fmt.Errorf("building host client: %w", err)
	}
	states, err := client.GetAllVmStates(ctx)
	if err != nil {
		return fmt.Errorf("get_all_vm_states: %w", err)
	}

	for _, vm := range vms {
		state, ok := states[vm.ID]
		if !ok {
			state = hostclient.StateUnknown
		}
		if err := w.handleVmState(ctx, client, vm, state, now, lastSweep); err != nil {
			w.deps.Logger.Error("handle_vm_state failed", "vm_id", vm.ID, "error", err)
		}
	}
	return nil
}

// checkVm implements spec.md §4.6's CheckVm{vm_id} single-VM variant.
func (w *Worker) checkVm(ctx context.Context, vmID uuid.UUID) error {
	vm, err := w.deps.Store.GetVm(ctx, vmID)
	if err != nil {
		return fmt.Errorf("looking up vm: %w", err)
	}
	if vm.Deleted {
		return nil
	}
	host, err := w.deps.Store.GetHost(ctx, vm.HostID)
	if err != nil {
		return fmt.Errorf("looking up host: %w", err)
	}
	client, err := w.deps.HostClients(ctx, host)
	if err != nil {
		return fmt.Errorf("building host client: %w", err)
	}
	// A GetVmState error (typically a 404 from the host) is treated the
	// same as "absent from GetAllVmStates" in the bulk sweep: StateUnknown,
	// letting handleVmState's recreate rule decide whether that's expected.
	state, err := client.GetVmState(ctx, vm)
	if err != nil {
		w.deps.Logger.Debug("get_vm_state failed, treating as absent", "vm_id", vm.ID, "error", err)
		state = hostclient.StateUnknown
	}
	return w.handleVmState(ctx, client, vm, state, time.Now(), w.loadLastSweep(ctx))
}

// sendNotification implements spec.md §4.6's SendNotification job,
// routing to the configured user/admin sinks. A delivery failure
// re-enqueues the job once, per spec.md "failure re-enqueues".
func (w *Worker) sendNotification(ctx context.Context, job Job) error {
	user, err := w.deps.Store.GetUser(ctx, job.UserID)
	if err != nil {
		return fmt.Errorf("looking up notification recipient: %w", err)
	}
	if err := w.deps.UserNotify.Notify(ctx, user, job.Title, job.Body); err != nil {
		w.deps.Logger.Warn("notification delivery failed, re-enqueueing", "user_id", job.UserID, "error", err)
		w.queue.push(job)
		return err
	}
	return nil
}

func (w *Worker) notifyUser(userID uuid.UUID, title, body string) {
	w.queue.push(Job{Kind: JobSendNotification, UserID: userID, Title: title, Body: body})
}

func (w *Worker) notifyAdmin(ctx context.Context, title, body string) {
	if w.deps.AdminNotify == nil {
		return
	}
	if err := w.deps.AdminNotify.NotifyAdmin(ctx, title, body); err != nil {
		w.deps.Logger.Error("admin notification failed", "error", err)
	}
}

// fullVmInfo resolves a Vm's template/image/network details into the
// shape HostClient drivers need, mirroring provisioner.fullVmInfo for
// worker-initiated calls (firewall patch, recreate).
func (w *Worker) fullVmInfo(ctx context.Context, vm model.Vm) (hostclient.FullVmInfo, error) {
	cpu, mem, disk, diskKind, diskIface, err := w.resolveResources(ctx, vm)
	if err != nil {
		return hostclient.FullVmInfo{}, err
	}
	image, err := w.deps.Store.GetVmOsImage(ctx, vm.ImageID)
	if err != nil {
		return hostclient.FullVmInfo{}, fmt.Errorf("looking up os image: %w", err)
	}
	assignments, err := w.deps.Store.ListIpAssignmentsForVm(ctx, vm.ID)
	if err != nil {
		return hostclient.FullVmInfo{}, fmt.Errorf("listing ip assignments: %w", err)
	}
	info := hostclient.FullVmInfo{
		Vm: vm, CPU: cpu, MemoryBytes: mem, DiskSizeBytes: disk,
		DiskKind: diskKind, DiskInterface: diskIface, ImageURL: image.URL,
	}
	for _, a := range assignments {
		if a.Deleted {
			continue
		}
		r, err := w.deps.Store.GetIpRange(ctx, a.IpRangeID)
		if err != nil {
			continue
		}
		ip := a.IP
		if containsColon(ip) {
			info.IPv6 = ip
		} else {
			info.IPv4 = ip
			info.Gateway4 = r.Gateway
		}
	}
	return info, nil
}

func (w *Worker) resolveResources(ctx context.Context, vm model.Vm) (cpu int, memBytes, diskBytes int64, diskKind model.DiskKind, diskIface model.DiskInterface, err error) {
	if vm.TemplateID != nil {
		t, terr := w.deps.Store.GetVmTemplate(ctx, *vm.TemplateID)
		if terr != nil {
			return 0, 0, 0, "", "", fmt.Errorf("looking up template: %w", terr)
		}
		return t.CPU, t.MemoryBytes, t.DiskSizeBytes, t.DiskKind, t.DiskInterface, nil
	}
	if vm.CustomTemplateID != nil {
		t, terr := w.deps.Store.GetVmCustomTemplate(ctx, *vm.CustomTemplateID)
		if terr != nil {
			return 0, 0, 0, "", "", fmt.Errorf("looking up custom template: %w", terr)
		}
		return t.CPU, t.MemoryBytes, t.DiskSizeBytes, t.DiskKind, t.DiskInterface, nil
	}
	return 0, 0, 0, "", "", fmt.Errorf("vm %s has neither template nor custom template", vm.ID)
}

func containsColon(s string) bool {
	for _, r := range s {
		if r == ':' {
			return true
		}
	}
	return false
}

func (w *Worker) logHistory(vmID uuid.UUID, action string, detail map[string]any) {
	if w.deps.History == nil {
		return
	}
	var raw json.RawMessage
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	w.deps.History.Log(vmhistory.Entry{VmID: vmID, Action: action, Detail: raw})
}
