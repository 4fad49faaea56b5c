package hostclient

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/wisbric/lnvpsd/pkg/model"
)

// Decrypter opens a Host's encrypted Credentials blob, satisfied by
// *credcrypto.Box. Kept as an interface here to avoid this package
// depending on credcrypto for a single method.
type Decrypter interface {
	Open(sealed []byte) ([]byte, error)
}

// ProxmoxCredentials is the decrypted shape of a proxmox Host's
// Credentials blob.
type ProxmoxCredentials struct {
	Node  string `json:"node"`
	Token string `json:"token"`
}

// NewClient builds the HostClient driver for host.Kind, grounded on
// original_source's host/mod.rs get_host_client dispatch. Kinds without a
// driver (LibVirt) fall back to Noop so unconfigured deployments and tests
// still run the full pipeline.
func NewClient(host model.Host, decrypter Decrypter, macOUI string, logger *slog.Logger) (HostClient, error) {
	switch host.Kind {
	case model.HostKindProxmox:
		plain, err := decrypter.Open(host.Credentials)
		if err != nil {
			return nil, fmt.Errorf("decrypting host %s credentials: %w", host.ID, err)
		}
		var creds ProxmoxCredentials
		if err := json.Unmarshal(plain, &creds); err != nil {
			return nil, fmt.Errorf("parsing host %s credentials: %w", host.ID, err)
		}
		return NewProxmoxClient(host.Endpoint, creds.Node, creds.Token, macOUI)
	default:
		logger.Warn("no host client driver for kind, using noop", "host_id", host.ID, "kind", host.Kind)
		return &Noop{Logger: logger}, nil
	}
}
