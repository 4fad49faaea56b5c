package provisioner

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLocker implements Locker with a Redis `SET key value NX PX ttl`
// advisory lock, releasing it with a compare-and-delete Lua script so a
// lock never releases one it doesn't own (e.g. after its own TTL expired
// and another pipeline run acquired it in the meantime).
type RedisLocker struct {
	Client *redis.Client
	TTL    time.Duration
}

const defaultLockTTL = 5 * time.Minute

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Lock acquires the advisory lock, returning ok=false (not an error) if
// another pipeline run already holds it.
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(context.Context), bool, error) {
	token := make([]byte, 16)
	if _, err := rand.Read(token); err != nil {
		return nil, false, fmt.Errorf("generating lock token: %w", err)
	}
	tokenHex := hex.EncodeToString(token)

	ttl := r.TTL
	if ttl == 0 {
		ttl = defaultLockTTL
	}

	ok, err := r.Client.SetNX(ctx, key, tokenHex, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquiring redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	unlock := func(ctx context.Context) {
		if err := unlockScript.Run(ctx, r.Client, []string{key}, tokenHex).Err(); err != nil {
			_ = err // best-effort: the TTL still reclaims the key, see opretry's rollback-failures-are-logged-only policy
		}
	}
	return unlock, true, nil
}
