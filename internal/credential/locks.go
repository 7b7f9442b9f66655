package credential

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// LockTable serializes work per fingerprint by striping mutexes over a fixed
// array. Two different fingerprints may share a stripe; the cost is brief
// extra serialization, never lost exclusion.
type LockTable struct {
	stripes [lockStripes]sync.Mutex
}

func NewLockTable() *LockTable {
	return &LockTable{}
}

// Lock acquires the stripe for fp and returns the matching unlock.
func (lt *LockTable) Lock(fp string) func() {
	h := fnv.New32a()
	h.Write([]byte(fp))
	stripe := &lt.stripes[h.Sum32()%lockStripes]
	stripe.Lock()
	return stripe.Unlock
}
