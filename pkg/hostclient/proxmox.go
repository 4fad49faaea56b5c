package hostclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/lnvpsd/pkg/model"
	"github.com/wisbric/lnvpsd/pkg/opretry"
)

// ProxmoxClient drives a Proxmox VE node over its JSON API, authenticated
// with an API token (`PVEAPIToken=user@realm!tokenid=secret`), grounded on
// original_source's proxmox.rs ProxmoxClient/JsonApi split.
type ProxmoxClient struct {
	base     *url.URL
	token    string
	node     string
	macOUI   string
	client   *http.Client
}

// NewProxmoxClient builds a driver against a Proxmox node's API endpoint.
func NewProxmoxClient(base, node, token, macOUI string) (*ProxmoxClient, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parsing proxmox endpoint: %w", err)
	}
	if macOUI == "" {
		macOUI = "bc:24:11"
	}
	return &ProxmoxClient{
		base:   u,
		token:  token,
		node:   node,
		macOUI: macOUI,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type proxmoxResponse[T any] struct {
	Data T `json:"data"`
}

func (c *ProxmoxClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return opretry.WrapFatal(fmt.Errorf("encoding proxmox request: %w", err))
		}
		reqBody = bytes.NewReader(b)
	}

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return opretry.WrapFatal(fmt.Errorf("building proxmox request: %w", err))
	}
	req.Header.Set("Authorization", "PVEAPIToken="+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return opretry.Wrap(fmt.Errorf("calling proxmox: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return opretry.Wrap(fmt.Errorf("reading proxmox response: %w", err))
	}

	switch {
	case resp.StatusCode >= 500:
		return opretry.Wrap(fmt.Errorf("proxmox %s %s: %d %s", method, path, resp.StatusCode, respBody))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return opretry.Fatalf("proxmox auth rejected: %d %s", resp.StatusCode, respBody)
	case resp.StatusCode >= 400:
		return opretry.Fatalf("proxmox %s %s: %d %s", method, path, resp.StatusCode, respBody)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return opretry.WrapFatal(fmt.Errorf("decoding proxmox response: %w", err))
		}
	}
	return nil
}

func (c *ProxmoxClient) nodePath(suffix string) string {
	return fmt.Sprintf("/api2/json/nodes/%s%s", c.node, suffix)
}

// GetInfo reports the node's declared totals and configured storage pools.
func (c *ProxmoxClient) GetInfo(ctx context.Context) (HostInfo, error) {
	var status proxmoxResponse[struct {
		CPUInfo struct {
			Cpus int `json:"cpus"`
		} `json:"cpuinfo"`
		Memory struct {
			Total int64 `json:"total"`
		} `json:"memory"`
	}]
	if err := c.do(ctx, http.MethodGet, c.nodePath("/status"), nil, &status); err != nil {
		return HostInfo{}, err
	}

	var storage proxmoxResponse[[]struct {
		Storage string `json:"storage"`
		Total   int64  `json:"total"`
		Used    int64  `json:"used"`
	}]
	if err := c.do(ctx, http.MethodGet, c.nodePath("/storage"), nil, &storage); err != nil {
		return HostInfo{}, err
	}

	info := HostInfo{CPUCores: status.Data.CPUInfo.Cpus, MemoryBytes: status.Data.Memory.Total}
	for _, s := range storage.Data {
		info.Disks = append(info.Disks, DiskInfo{Name: s.Storage, SizeBytes: s.Total, UsedBytes: s.Used})
	}
	return info, nil
}

// DownloadOsImage triggers a Proxmox storage image download and waits for
// the resulting task (spec.md §5: poll every 1s, 5-minute deadline).
func (c *ProxmoxClient) DownloadOsImage(ctx context.Context, imageURL string) error {
	var upid string
	var out proxmoxResponse[string]
	payload := map[string]string{"content": "iso", "filename": imageURL, "url": imageURL}
	if err := c.do(ctx, http.MethodPost, c.nodePath("/storage/local/download-url"), payload, &out); err != nil {
		return err
	}
	upid = out.Data
	return c.waitTask(ctx, upid)
}

// GenerateMAC mints a MAC under the configured OUI, spec.md §4.3.2 step 2.
func (c *ProxmoxClient) GenerateMAC(ctx context.Context, vmID uuid.UUID) (string, error) {
	suffix := vmID[:3]
	return fmt.Sprintf("%s:%02x:%02x:%02x", c.macOUI, suffix[0], suffix[1], suffix[2]), nil
}

func (c *ProxmoxClient) vmidFor(vm model.Vm) string {
	return fmt.Sprintf("%d", vmIDFromUUID(vm.ID))
}

// vmIDFromUUID derives Proxmox's small-integer VMID from the low 24 bits
// of the VM's uuid, kept stable for the VM's lifetime.
func vmIDFromUUID(id uuid.UUID) uint32 {
	return (uint32(id[13])<<16 | uint32(id[14])<<8 | uint32(id[15])) + 1000
}

func (c *ProxmoxClient) StartVm(ctx context.Context, vm model.Vm) error {
	return c.taskAction(ctx, http.MethodPost, c.qemuPath(vm, "/status/start"))
}

func (c *ProxmoxClient) StopVm(ctx context.Context, vm model.Vm) error {
	return c.taskAction(ctx, http.MethodPost, c.qemuPath(vm, "/status/stop"))
}

func (c *ProxmoxClient) ResetVm(ctx context.Context, vm model.Vm) error {
	return c.taskAction(ctx, http.MethodPost, c.qemuPath(vm, "/status/reset"))
}

func (c *ProxmoxClient) qemuPath(vm model.Vm, suffix string) string {
	return c.nodePath("/qemu/" + c.vmidFor(vm) + suffix)
}

func (c *ProxmoxClient) taskAction(ctx context.Context, method, path string) error {
	var out proxmoxResponse[string]
	if err := c.do(ctx, method, path, nil, &out); err != nil {
		return err
	}
	return c.waitTask(ctx, out.Data)
}

// CreateVm creates the qemu guest and waits for the creation task.
func (c *ProxmoxClient) CreateVm(ctx context.Context, info FullVmInfo) error {
	payload := map[string]any{
		"vmid":   vmIDFromUUID(info.Vm.ID),
		"name":   info.Vm.ID.String(),
		"cores":  info.CPU,
		"memory": info.MemoryBytes / (1024 * 1024),
		"net0":   fmt.Sprintf("virtio=%s,bridge=vmbr0", info.Vm.MACAddress),
	}
	var out proxmoxResponse[string]
	if err := c.do(ctx, http.MethodPost, c.nodePath("/qemu"), payload, &out); err != nil {
		return err
	}
	return c.waitTask(ctx, out.Data)
}

func (c *ProxmoxClient) DeleteVm(ctx context.Context, vm model.Vm) error {
	return c.taskAction(ctx, http.MethodDelete, c.nodePath("/qemu/"+c.vmidFor(vm)))
}

func (c *ProxmoxClient) ReinstallVm(ctx context.Context, info FullVmInfo) error {
	if err := c.DeleteVm(ctx, info.Vm); err != nil {
		return err
	}
	return c.CreateVm(ctx, info)
}

func (c *ProxmoxClient) ResizeDisk(ctx context.Context, info FullVmInfo) error {
	payload := map[string]any{"disk": "scsi0", "size": fmt.Sprintf("%dG", info.DiskSizeBytes/(1024*1024*1024))}
	return c.taskAction2(ctx, http.MethodPut, c.qemuPath(info.Vm, "/resize"), payload)
}

func (c *ProxmoxClient) taskAction2(ctx context.Context, method, path string, payload any) error {
	var out proxmoxResponse[string]
	if err := c.do(ctx, method, path, payload, &out); err != nil {
		return err
	}
	return c.waitTask(ctx, out.Data)
}

func (c *ProxmoxClient) GetVmState(ctx context.Context, vm model.Vm) (RunningState, error) {
	var out proxmoxResponse[struct {
		Status string `json:"status"`
	}]
	if err := c.do(ctx, http.MethodGet, c.qemuPath(vm, "/status/current"), nil, &out); err != nil {
		return StateUnknown, err
	}
	return proxmoxStateToRunningState(out.Data.Status), nil
}

// GetAllVmStates fetches every guest's status in one call — the bulk
// variant the worker prefers, spec.md §4.7.
func (c *ProxmoxClient) GetAllVmStates(ctx context.Context) (map[uuid.UUID]RunningState, error) {
	var out proxmoxResponse[[]struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	}]
	if err := c.do(ctx, http.MethodGet, c.nodePath("/qemu"), nil, &out); err != nil {
		return nil, err
	}
	// The guest's "name" field carries our vm uuid (set in CreateVm), since
	// Proxmox's own vmid is a small integer with no room for one.
	states := make(map[uuid.UUID]RunningState, len(out.Data))
	for _, g := range out.Data {
		id, err := uuid.Parse(g.Name)
		if err != nil {
			continue
		}
		states[id] = proxmoxStateToRunningState(g.Status)
	}
	return states, nil
}

func (c *ProxmoxClient) ConfigureVm(ctx context.Context, info FullVmInfo) error {
	payload := map[string]any{"cores": info.CPU, "memory": info.MemoryBytes / (1024 * 1024)}
	return c.do(ctx, http.MethodPut, c.qemuPath(info.Vm, "/config"), payload, nil)
}

func (c *ProxmoxClient) PatchFirewall(ctx context.Context, info FullVmInfo) error {
	payload := map[string]any{"enable": 1}
	return c.do(ctx, http.MethodPut, c.qemuPath(info.Vm, "/firewall/options"), payload, nil)
}

func (c *ProxmoxClient) GetTimeSeriesData(ctx context.Context, vm model.Vm, g Granularity) ([]TimeSeriesPoint, error) {
	var out proxmoxResponse[[]struct {
		Time   int64   `json:"time"`
		CPU    float64 `json:"cpu"`
		Mem    int64   `json:"mem"`
		DiskR  int64   `json:"diskread"`
		DiskW  int64   `json:"diskwrite"`
		NetIn  int64   `json:"netin"`
		NetOut int64   `json:"netout"`
	}]
	path := c.qemuPath(vm, fmt.Sprintf("/rrddata?timeframe=%s", string(g)))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	points := make([]TimeSeriesPoint, 0, len(out.Data))
	for _, p := range out.Data {
		points = append(points, TimeSeriesPoint{
			Timestamp: p.Time, CPUPct: p.CPU, MemUsed: p.Mem,
			DiskRead: p.DiskR, DiskWrite: p.DiskW, NetIn: p.NetIn, NetOut: p.NetOut,
		})
	}
	return points, nil
}

// ConnectTerminal is not implemented over the plain JSON API — Proxmox
// exposes its console over a separate websocket/vncproxy ticket endpoint
// that needs an interactive upgrade this driver doesn't perform; see
// Terminal in ssh.go for the supplemented SSH passthrough path instead.
func (c *ProxmoxClient) ConnectTerminal(ctx context.Context, vm model.Vm) (TerminalSession, error) {
	return TerminalSession{}, opretry.Fatalf("proxmox JSON API terminal not supported, use ssh passthrough")
}

func (c *ProxmoxClient) waitTask(ctx context.Context, upid string) error {
	if upid == "" {
		return nil
	}
	deadline := time.Now().Add(5 * time.Minute)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		var out proxmoxResponse[struct {
			Status     string `json:"status"`
			ExitStatus string `json:"exitstatus"`
		}]
		path := c.nodePath(fmt.Sprintf("/tasks/%s/status", upid))
		if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
			return err
		}
		if out.Data.Status == "stopped" {
			if out.Data.ExitStatus != "OK" && out.Data.ExitStatus != "" {
				return opretry.Fatalf("proxmox task %s failed: %s", upid, out.Data.ExitStatus)
			}
			return nil
		}
		if time.Now().After(deadline) {
			return opretry.Wrap(fmt.Errorf("proxmox task %s did not complete within deadline", upid))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func proxmoxStateToRunningState(status string) RunningState {
	switch status {
	case "running":
		return StateRunning
	case "stopped":
		return StateStopped
	default:
		return StateUnknown
	}
}
