// Package cache provides the TTL result cache in front of exchange
// fetches. Two backends exist: an in-process store (the default) and
// Redis for deployments where several collector replicas share warm
// entries. Entries are opaque bytes; callers own serialization, and a
// returned value is always a copy.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// Stats counts cache traffic since startup.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

// Cache is the backend contract. Get returns ok=false on a miss or an
// expired entry; backend errors degrade to a miss at the call site so a
// broken cache never fails a collection round.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Stats() Stats
	Close() error
}

// Key builds the round cache key (kind, exchange, symbols fingerprint).
// The symbol list is sorted first so the same working set always maps
// to the same entry regardless of iteration order.
func Key(kind, exchange string, symbols []string) string {
	sorted := make([]string, len(symbols))
	copy(sorted, symbols)
	sort.Strings(sorted)

	h := md5.New()
	for _, s := range sorted {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%s:%s:%s", kind, exchange, hex.EncodeToString(h.Sum(nil)))
}
