// Package hostclient defines the contract lnvpsd uses to drive a
// hypervisor host (spec.md §4.7 "HostClient", one implementation per Host
// kind), plus a Proxmox driver and a no-op stub for tests and unconfigured
// deployments.
package hostclient

import (
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/wisbric/lnvpsd/pkg/model"
)

// RunningState is a VM's observed power state on its host.
type RunningState string

const (
	StateRunning RunningState = "running"
	StateStopped RunningState = "stopped"
	StateUnknown RunningState = "unknown"
)

// HostInfo is the declared-vs-observed capacity snapshot used by the
// reconcile worker to correct a Host's stored cpu/memory (spec.md §3 Host
// lifecycle, §4.7 get_info).
type HostInfo struct {
	CPUCores    int
	MemoryBytes int64
	Disks       []DiskInfo
}

// DiskInfo is one storage pool as reported live by the host.
type DiskInfo struct {
	Name      string
	SizeBytes int64
	UsedBytes int64
}

// FullVmInfo carries everything a host driver needs to create or
// reconfigure a VM: the row plus its resolved template, disk, image, and
// network assignments.
type FullVmInfo struct {
	Vm          model.Vm
	CPU         int
	MemoryBytes int64
	DiskSizeBytes int64
	DiskKind      model.DiskKind
	DiskInterface model.DiskInterface
	ImageURL      string
	IPv4          string
	IPv6          string
	Gateway4      string
}

// TimeSeriesPoint is one sample of host-reported telemetry.
type TimeSeriesPoint struct {
	Timestamp int64
	CPUPct    float64
	MemUsed   int64
	DiskRead  int64
	DiskWrite int64
	NetIn     int64
	NetOut    int64
}

// Granularity selects the telemetry sampling window.
type Granularity string

const (
	GranularityHour Granularity = "hour"
	GranularityDay  Granularity = "day"
	GranularityWeek Granularity = "week"
)

// TerminalSession is a bidirectional byte channel to a VM's console,
// spec.md §4.7 connect_terminal.
type TerminalSession struct {
	Rx io.Reader
	Tx io.Writer
}

// HostClient is the contract one concrete driver implements per Host kind.
type HostClient interface {
	GetInfo(ctx context.Context) (HostInfo, error)
	DownloadOsImage(ctx context.Context, imageURL string) error
	GenerateMAC(ctx context.Context, vmID uuid.UUID) (string, error)

	StartVm(ctx context.Context, vm model.Vm) error
	StopVm(ctx context.Context, vm model.Vm) error
	ResetVm(ctx context.Context, vm model.Vm) error

	CreateVm(ctx context.Context, info FullVmInfo) error
	DeleteVm(ctx context.Context, vm model.Vm) error
	ReinstallVm(ctx context.Context, info FullVmInfo) error
	ResizeDisk(ctx context.Context, info FullVmInfo) error

	GetVmState(ctx context.Context, vm model.Vm) (RunningState, error)
	GetAllVmStates(ctx context.Context) (map[uuid.UUID]RunningState, error)

	ConfigureVm(ctx context.Context, info FullVmInfo) error
	PatchFirewall(ctx context.Context, info FullVmInfo) error

	GetTimeSeriesData(ctx context.Context, vm model.Vm, g Granularity) ([]TimeSeriesPoint, error)
	ConnectTerminal(ctx context.Context, vm model.Vm) (TerminalSession, error)
}
