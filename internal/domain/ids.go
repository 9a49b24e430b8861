package domain

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a lexicographically sortable unique identifier.
func NewID() string {
	idMu.Lock()
	defer idMu.Unlock()
	t := time.Now()
	return ulid.MustNew(ulid.Timestamp(t), idEntropy).String()
}
