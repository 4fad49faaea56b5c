package router

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wisbric/lnvpsd/pkg/opretry"
)

// MikrotikRouter drives a MikroTik RouterOS device over its REST API,
// authenticated with HTTP Basic auth, grounded on original_source's
// mikrotik.rs.
type MikrotikRouter struct {
	baseURL string
	auth    string
	client  *http.Client
}

// NewMikrotikRouter builds a driver against a RouterOS REST endpoint.
func NewMikrotikRouter(baseURL, username, password string) *MikrotikRouter {
	auth := "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	return &MikrotikRouter{
		baseURL: baseURL,
		auth:    auth,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type mikrotikArpEntry struct {
	ID      string `json:".id,omitempty"`
	Address string `json:"address"`
	MacAddr string `json:"mac-address"`
	Iface   string `json:"interface"`
	Comment string `json:"comment,omitempty"`
}

func (r *MikrotikRouter) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return opretry.WrapFatal(fmt.Errorf("encoding mikrotik request: %w", err))
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reqBody)
	if err != nil {
		return opretry.WrapFatal(fmt.Errorf("building mikrotik request: %w", err))
	}
	req.Header.Set("Authorization", r.auth)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return opretry.Wrap(fmt.Errorf("calling mikrotik: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return opretry.Wrap(fmt.Errorf("reading mikrotik response: %w", err))
	}

	switch {
	case resp.StatusCode >= 500:
		return opretry.Wrap(fmt.Errorf("mikrotik %s %s: %d %s", method, path, resp.StatusCode, respBody))
	case resp.StatusCode == http.StatusUnauthorized:
		return opretry.Fatalf("mikrotik auth rejected: %d %s", resp.StatusCode, respBody)
	case resp.StatusCode >= 400:
		return opretry.Fatalf("mikrotik %s %s: %d %s", method, path, resp.StatusCode, respBody)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return opretry.WrapFatal(fmt.Errorf("decoding mikrotik response: %w", err))
		}
	}
	return nil
}

// GenerateMAC reports no assignment: MikroTik doesn't mint MACs tied to an
// IP, so the HostClient mints one instead (spec.md §4.3.2 step 2).
func (r *MikrotikRouter) GenerateMAC(ctx context.Context, ip, label string) (*ArpEntry, error) {
	return nil, nil
}

func (r *MikrotikRouter) ListArpEntries(ctx context.Context) ([]ArpEntry, error) {
	var raw []mikrotikArpEntry
	if err := r.do(ctx, http.MethodGet, "/rest/ip/arp", nil, &raw); err != nil {
		return nil, err
	}
	entries := make([]ArpEntry, len(raw))
	for i, e := range raw {
		entries[i] = fromMikrotik(e)
	}
	return entries, nil
}

func (r *MikrotikRouter) AddArpEntry(ctx context.Context, entry ArpEntry) (ArpEntry, error) {
	var out mikrotikArpEntry
	if err := r.do(ctx, http.MethodPut, "/rest/ip/arp", toMikrotik(entry), &out); err != nil {
		return ArpEntry{}, err
	}
	if out.ID == "" {
		return ArpEntry{}, opretry.Fatalf("mikrotik add_arp_entry returned no id")
	}
	return fromMikrotik(out), nil
}

func (r *MikrotikRouter) UpdateArpEntry(ctx context.Context, entry ArpEntry) (ArpEntry, error) {
	if entry.ID == "" {
		return ArpEntry{}, opretry.Fatalf("cannot update an arp entry without id")
	}
	var out mikrotikArpEntry
	path := fmt.Sprintf("/rest/ip/arp/%s", entry.ID)
	if err := r.do(ctx, http.MethodPatch, path, toMikrotik(entry), &out); err != nil {
		return ArpEntry{}, err
	}
	return fromMikrotik(out), nil
}

func (r *MikrotikRouter) RemoveArpEntry(ctx context.Context, id string) error {
	return r.do(ctx, http.MethodDelete, "/rest/ip/arp/"+id, nil, nil)
}

func toMikrotik(e ArpEntry) mikrotikArpEntry {
	return mikrotikArpEntry{ID: e.ID, Address: e.IP, MacAddr: e.MAC, Iface: e.Interface, Comment: e.Comment}
}

func fromMikrotik(e mikrotikArpEntry) ArpEntry {
	return ArpEntry{ID: e.ID, IP: e.Address, MAC: e.MacAddr, Interface: e.Iface, Comment: e.Comment}
}
