package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned by AcquireLock when another holder already owns the key.
var ErrLockHeld = errors.New("lock held by another holder")

// VmLock is an advisory per-VM lock backed by Redis SET NX PX. It closes
// (in practice, not in theory — see SPEC_FULL.md Open Questions) the race
// window spec.md §5 names between "pick IP" and "persist IP": two concurrent
// provisioning pipelines for the same vm-id are undefined behavior per spec,
// so the provisioner takes this lock before running either pipeline.
type VmLock struct {
	rdb   *redis.Client
	token string
}

// AcquireVmLock attempts to take the advisory lock for vmID, valid for ttl.
func AcquireVmLock(ctx context.Context, rdb *redis.Client, vmID string, ttl time.Duration) (*VmLock, error) {
	token := uuid.NewString()
	ok, err := rdb.SetNX(ctx, lockKey(vmID), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring vm lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &VmLock{rdb: rdb, token: token}, nil
}

// Release releases the lock if, and only if, this holder still owns it.
func (l *VmLock) Release(ctx context.Context, vmID string) error {
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
	if err := script.Run(ctx, l.rdb, []string{lockKey(vmID)}, l.token).Err(); err != nil {
		return fmt.Errorf("releasing vm lock: %w", err)
	}
	return nil
}

func lockKey(vmID string) string {
	return "lnvpsd:lock:vm:" + vmID
}
