package metadata

import (
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{"a": "1", "b": "2"}
	clone := original.Clone()
	clone["a"] = "changed"

	if original["a"] != "1" {
		t.Fatalf("expected original map to stay untouched, got %q", original["a"])
	}
	if len(clone) != len(original) {
		t.Fatalf("expected clone to have same size")
	}
}

func TestCloneEmpty(t *testing.T) {
	var m Metadata
	cloned := m.Clone()
	if cloned == nil {
		t.Fatal("expected non-nil map")
	}
	if len(cloned) != 0 {
		t.Fatal("expected empty map")
	}
}

func TestWithAndWithAll(t *testing.T) {
	base := Metadata{"foo": "bar"}
	enriched := base.With("baz", "qux")
	if base["baz"] != "" {
		t.Fatalf("expected base map to remain unchanged")
	}
	if enriched["baz"] != "qux" {
		t.Fatalf("expected enriched map to add entry")
	}

	merged := enriched.WithAll(Metadata{"alpha": "beta"})
	if merged["alpha"] != "beta" {
		t.Fatalf("expected merged metadata to include new value")
	}
	if merged["baz"] != "qux" {
		t.Fatalf("expected existing entries to persist")
	}
}

func TestNewPairs(t *testing.T) {
	md := New("key", "value", "another", "entry")
	if md["key"] != "value" {
		t.Fatalf("expected key to be set")
	}
	if md["another"] != "entry" {
		t.Fatalf("expected another entry to be set")
	}
}

func TestToAndFromWatermill(t *testing.T) {
	md := Metadata{"source": "api"}
	wm := ToWatermill(md)
	if wm["source"] != "api" {
		t.Fatalf("expected watermill metadata to copy entries")
	}
	wm["source"] = "mutation"
	if md["source"] != "api" {
		t.Fatalf("expected original metadata to be immutable to watermill changes")
	}

	if len(ToWatermill(nil)) != 0 {
		t.Fatal("expected nil input to return empty metadata")
	}

	roundTrip := FromWatermill(message.Metadata{"event": "order"})
	if roundTrip["event"] != "order" {
		t.Fatalf("expected watermill metadata to convert back")
	}
}

func TestFromWatermillEmpty(t *testing.T) {
	md := FromWatermill(nil)
	if md == nil {
		t.Fatal("expected non-nil map")
	}
	if len(md) != 0 {
		t.Fatal("expected empty map")
	}
}

func TestAttempt(t *testing.T) {
	if got := (Metadata{}).Attempt(); got != 1 {
		t.Fatalf("expected missing attempt to default to 1, got %d", got)
	}
	if got := (Metadata{KeyAttempt: "0"}).Attempt(); got != 1 {
		t.Fatalf("expected zero attempt to clamp to 1, got %d", got)
	}
	if got := (Metadata{KeyAttempt: "junk"}).Attempt(); got != 1 {
		t.Fatalf("expected invalid attempt to default to 1, got %d", got)
	}

	md := Metadata{"a": "b"}
	next := md.WithAttempt(4)
	if next.Attempt() != 4 {
		t.Fatalf("expected attempt 4, got %d", next.Attempt())
	}
	if _, ok := md[KeyAttempt]; ok {
		t.Fatal("WithAttempt must not mutate the receiver")
	}
}

func TestDelay(t *testing.T) {
	md := Metadata{}.WithDelay(1500 * time.Millisecond)
	if md[KeyDelayMs] != "1500" {
		t.Fatalf("expected 1500ms, got %q", md[KeyDelayMs])
	}
	if md.Delay() != 1500*time.Millisecond {
		t.Fatalf("unexpected delay %v", md.Delay())
	}

	cleared := md.WithDelay(0)
	if _, ok := cleared[KeyDelayMs]; ok {
		t.Fatal("expected zero delay to remove the key")
	}
	if (Metadata{KeyDelayMs: "-5"}).Delay() != 0 {
		t.Fatal("expected negative delay to be ignored")
	}
}

func TestIsDeadLetter(t *testing.T) {
	if (Metadata{}).IsDeadLetter() {
		t.Fatal("empty metadata is not dead-lettered")
	}
	if !(Metadata{KeyDeadLetter: "true"}).IsDeadLetter() {
		t.Fatal("expected dead letter flag to be recognised")
	}
}
