package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a message ID stamped with the current time.
func CreateULID() string {
	return ULIDAt(time.Now())
}

// ULIDAt returns a 26-character ULID whose timestamp is at. Requeued copies
// are stamped with the time they become due, so IDs sort in delivery order.
func ULIDAt(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}

// ULIDTime returns the timestamp carried by id. It reports false for strings
// that are not ULIDs, such as producer supplied message IDs.
func ULIDTime(id string) (time.Time, bool) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}
