package hostclient

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/wisbric/lnvpsd/pkg/model"
)

func TestNoopImplementsHostClient(t *testing.T) {
	var _ HostClient = (*Noop)(nil)
}

func TestNoopGenerateMACIsUnicast(t *testing.T) {
	n := &Noop{Logger: slog.New(slog.NewTextHandler(os.Stderr, nil))}
	mac, err := n.GenerateMAC(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("GenerateMAC() error = %v", err)
	}
	if mac == model.UnsetMAC {
		t.Fatalf("GenerateMAC() = sentinel %q, want a minted address", mac)
	}
}

func TestVmIDFromUUIDStable(t *testing.T) {
	id := uuid.New()
	a := vmIDFromUUID(id)
	b := vmIDFromUUID(id)
	if a != b {
		t.Fatalf("vmIDFromUUID not stable: %d != %d", a, b)
	}
}
