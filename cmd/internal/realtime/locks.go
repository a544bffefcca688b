package realtime

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 256

// keyedLocks serializes work per key (a user, or a user+conversation pair)
// with a fixed set of striped mutexes. Distinct keys may share a stripe.
type keyedLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *keyedLocks) lock(parts ...string) func() {
	h := fnv.New32a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	m := &l.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}
