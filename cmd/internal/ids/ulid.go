// Package ids generates the ULIDs used for connection and envelope ids.
package ids

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a new ULID string (26 chars) stamped with now.
// Ids minted within the same millisecond sort in creation order.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	entropyMu.Lock()
	defer entropyMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// New returns a ULID for the current time. It panics only if the system
// entropy source fails, which leaves the process unable to do anything useful.
func New() string {
	id, err := NewULID(time.Now().UTC())
	if err != nil {
		panic(err)
	}
	return id
}
