package hostclient

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/wisbric/lnvpsd/pkg/model"
)

// Noop is a stub HostClient that logs instead of calling a real
// hypervisor, for local development and tests. Grounded on the teacher's
// the teacher's no-op-collaborator pattern (log and return a plausible stub).
type Noop struct {
	Logger *slog.Logger
}

func (n *Noop) GetInfo(ctx context.Context) (HostInfo, error) {
	n.Logger.Info("noop hostclient: get_info")
	return HostInfo{CPUCores: 64, MemoryBytes: 256 << 30}, nil
}

func (n *Noop) DownloadOsImage(ctx context.Context, imageURL string) error {
	n.Logger.Info("noop hostclient: download_os_image", "url", imageURL)
	return nil
}

func (n *Noop) GenerateMAC(ctx context.Context, vmID uuid.UUID) (string, error) {
	n.Logger.Info("noop hostclient: generate_mac", "vm_id", vmID)
	b := vmID[10:16]
	return fmt.Sprintf("bc:24:11:%02x:%02x:%02x", b[0], b[1], b[2]), nil
}

func (n *Noop) StartVm(ctx context.Context, vm model.Vm) error {
	n.Logger.Info("noop hostclient: start_vm", "vm_id", vm.ID)
	return nil
}

func (n *Noop) StopVm(ctx context.Context, vm model.Vm) error {
	n.Logger.Info("noop hostclient: stop_vm", "vm_id", vm.ID)
	return nil
}

func (n *Noop) ResetVm(ctx context.Context, vm model.Vm) error {
	n.Logger.Info("noop hostclient: reset_vm", "vm_id", vm.ID)
	return nil
}

func (n *Noop) CreateVm(ctx context.Context, info FullVmInfo) error {
	n.Logger.Info("noop hostclient: create_vm", "vm_id", info.Vm.ID)
	return nil
}

func (n *Noop) DeleteVm(ctx context.Context, vm model.Vm) error {
	n.Logger.Info("noop hostclient: delete_vm", "vm_id", vm.ID)
	return nil
}

func (n *Noop) ReinstallVm(ctx context.Context, info FullVmInfo) error {
	n.Logger.Info("noop hostclient: reinstall_vm", "vm_id", info.Vm.ID)
	return nil
}

func (n *Noop) ResizeDisk(ctx context.Context, info FullVmInfo) error {
	n.Logger.Info("noop hostclient: resize_disk", "vm_id", info.Vm.ID)
	return nil
}

func (n *Noop) GetVmState(ctx context.Context, vm model.Vm) (RunningState, error) {
	return StateRunning, nil
}

func (n *Noop) GetAllVmStates(ctx context.Context) (map[uuid.UUID]RunningState, error) {
	return map[uuid.UUID]RunningState{}, nil
}

func (n *Noop) ConfigureVm(ctx context.Context, info FullVmInfo) error {
	n.Logger.Info("noop hostclient: configure_vm", "vm_id", info.Vm.ID)
	return nil
}

func (n *Noop) PatchFirewall(ctx context.Context, info FullVmInfo) error {
	n.Logger.Info("noop hostclient: patch_firewall", "vm_id", info.Vm.ID)
	return nil
}

func (n *Noop) GetTimeSeriesData(ctx context.Context, vm model.Vm, g Granularity) ([]TimeSeriesPoint, error) {
	return nil, nil
}

func (n *Noop) ConnectTerminal(ctx context.Context, vm model.Vm) (TerminalSession, error) {
	n.Logger.Info("noop hostclient: connect_terminal", "vm_id", vm.ID)
	return TerminalSession{}, nil
}

var _ HostClient = (*Noop)(nil)
