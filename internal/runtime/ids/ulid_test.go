package ids

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestULIDAtCarriesTimestamp(t *testing.T) {
	due := time.Date(2024, 5, 1, 10, 0, 1, 500_000_000, time.UTC)
	id := ULIDAt(due)
	require.Len(t, id, 26)

	got, ok := ULIDTime(id)
	require.True(t, ok)
	assert.True(t, due.Equal(got), "want %s, got %s", due, got)
}

func TestULIDTimeRejectsForeignIDs(t *testing.T) {
	for _, id := range []string{"", "producer-42", "uuid-1", "not-a-ulid-but-26-chars-xx"} {
		_, ok := ULIDTime(id)
		assert.False(t, ok, id)
	}
}

func TestRequeuedIDsSortAfterOriginal(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	original := ULIDAt(now)
	retry := ULIDAt(now.Add(1500 * time.Millisecond))
	assert.Less(t, original, retry)
}

func TestCreateULIDSequentialOrdering(t *testing.T) {
	const total = 100
	ids := make([]string, total)
	for i := range ids {
		ids[i] = CreateULID()
	}
	for i := 1; i < total; i++ {
		if ids[i-1] >= ids[i] {
			t.Fatalf("ULIDs not strictly increasing: %s >= %s", ids[i-1], ids[i])
		}
	}
}

func TestCreateULIDConcurrentUniqueness(t *testing.T) {
	const workers, perWorker = 8, 25

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				id := CreateULID()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}
