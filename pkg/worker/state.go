package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/wisbric/lnvpsd/pkg/hostclient"
	"github.com/wisbric/lnvpsd/pkg/model"
)

const lastSweepRedisKey = "lnvpsd:worker:last_sweep"
const expireSoonWindow = 24 * time.Hour

// handleVmState runs spec.md §4.6's handle_vm_state, in order: expire-soon
// warning, expire-stop, delete, recreate. Only the first matching rule
// fires per call — they are mutually exclusive states of one VM.
func (w *Worker) handleVmState(ctx context.Context, client hostclient.HostClient, vm model.Vm, state hostclient.RunningState, now time.Time, lastSweep time.Time) error {
	if vm.Deleted {
		return nil
	}
	expiresAt := time.Unix(vm.ExpiresAt, 0)

	// Rule 1: expire-soon warning, edge-triggered on crossing into the
	// 1-day window since the previous sweep — so a VM doesn't get warned
	// on every single sweep while it sits inside the window.
	soonThreshold := now.Add(expireSoonWindow)
	previousThreshold := lastSweep.Add(expireSoonWindow)
	if !vm.Unpaid() && expiresAt.After(now) && expiresAt.Before(soonThreshold) && !expiresAt.Before(previousThreshold) {
		w.notifyUser(vm.UserID, "Your VM is expiring soon",
			fmt.Sprintf("Your VM expires at %s. Renew it to avoid interruption.", expiresAt.Format(time.RFC3339)))
		return nil
	}

	// Rule 2: expire-stop.
	if expiresAt.Before(now) && state == hostclient.StateRunning {
		if err := client.StopVm(ctx, vm); err != nil {
			return fmt.Errorf("stopping expired vm: %w", err)
		}
		w.logHistory(vm.ID, "expired_stopped", nil)
		w.notifyUser(vm.UserID, "Your VM has been stopped",
			"Your VM's rental period expired and it has been stopped. Renew to bring it back online.")
		return nil
	}

	// Rule 3: delete, once past the grace period beyond expiry.
	deleteAfter := expiresAt.Add(time.Duration(w.deps.DeleteAfterDays) * 24 * time.Hour)
	if deleteAfter.Before(now) {
		if err := w.deps.Provisioner.DeleteVm(ctx, vm.ID); err != nil {
			return fmt.Errorf("deleting expired vm: %w", err)
		}
		w.logHistory(vm.ID, "expired_deleted", nil)
		w.notifyUser(vm.UserID, "Your VM has been deleted",
			"Your VM's rental period expired more than the grace period ago and it has been permanently deleted.")
		w.notifyAdmin(ctx, "VM deleted", fmt.Sprintf("vm %s deleted after expiry+grace", vm.ID))
		return nil
	}

	// Rule 4: recreate — the host reports the VM absent, but the row is
	// still active and unexpired; re-run the create pipeline.
	if state == hostclient.StateUnknown && expiresAt.After(now) {
		if err := w.deps.Provisioner.SpawnVm(ctx, vm.ID); err != nil {
			return fmt.Errorf("recreating vm: %w", err)
		}
		w.logHistory(vm.ID, "recreated", nil)
		w.notifyRecreated(ctx, vm)
		return nil
	}

	return nil
}

// notifyRecreated tells the user their VM came back, including its IPs
// and image — spec.md §4.6 rule 4 "notify user with IPs+image on
// success".
func (w *Worker) notifyRecreated(ctx context.Context, vm model.Vm) {
	image, err := w.deps.Store.GetVmOsImage(ctx, vm.ImageID)
	imageName := "unknown"
	if err == nil {
		imageName = image.Name
	}
	assignments, err := w.deps.Store.ListIpAssignmentsForVm(ctx, vm.ID)
	ips := ""
	if err == nil {
		for _, a := range assignments {
			if a.Deleted {
				continue
			}
			if ips != "" {
				ips += ", "
			}
			ips += a.IP
		}
	}
	w.notifyUser(vm.UserID, "Your VM has been recreated",
		fmt.Sprintf("Your VM was found missing from its host and has been recreated (image: %s, addresses: %s).", imageName, ips))
}

// loadLastSweep reads the previous CheckVms sweep's timestamp from Redis,
// defaulting to now (so the very first sweep after a cold start never
// treats every near-expiry VM as newly-crossing the warning window).
func (w *Worker) loadLastSweep(ctx context.Context) time.Time {
	if w.deps.Redis == nil {
		return time.Now()
	}
	val, err := w.deps.Redis.Get(ctx, lastSweepRedisKey).Int64()
	if err != nil {
		return time.Now()
	}
	return time.Unix(val, 0)
}

// storeLastSweep persists this sweep's timestamp for the next run's rule-1
// edge detection (spec.md §4.6 "After a sweep, store the sweep
// timestamp for rule 1").
func (w *Worker) storeLastSweep(ctx context.Context, ts time.Time) {
	if w.deps.Redis == nil {
		return
	}
	if err := w.deps.Redis.Set(ctx, lastSweepRedisKey, ts.Unix(), 0).Err(); err != nil {
		w.deps.Logger.Warn("persisting last sweep timestamp failed", "error", err)
	}
}
