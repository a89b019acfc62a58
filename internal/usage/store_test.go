package usage

import (
	"path/filepath"
	"testing"
	"time"
)

func TestStoreRingOverwritesOldest(t *testing.T) {
	s, err := New(Config{Capacity: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	base := time.Now()
	for i := 0; i < 5; i++ {
		if err := s.Record(Event{Timestamp: base.Add(time.Duration(i) * time.Second), Model: "m"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	all := s.All()
	if len(all) != 3 {
		t.Fatalf("expected 3 buffered events, got %d", len(all))
	}
	if !all[0].Timestamp.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("expected oldest surviving event to be index 2, got %v", all[0].Timestamp)
	}
}

func TestStoreJSONLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usage.jsonl")

	s, err := New(Config{Capacity: 10, JSONLPath: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ev := Event{Timestamp: time.Now().Round(0), Model: "haiku", InputTokens: 10, OutputTokens: 20}
	if err := s.Record(ev); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reloaded, err := New(Config{Capacity: 10, JSONLPath: path})
	if err != nil {
		t.Fatalf("reload New: %v", err)
	}
	defer reloaded.Close()
	all := reloaded.All()
	if len(all) != 1 {
		t.Fatalf("expected 1 reloaded event, got %d", len(all))
	}
	if all[0].Model != "haiku" || all[0].InputTokens != 10 {
		t.Fatalf("unexpected reloaded event: %+v", all[0])
	}
}

func TestStoreRetentionFiltersOnLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usage.jsonl")

	s, err := New(Config{Capacity: 10, JSONLPath: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now().Add(-time.Minute)
	if err := s.Record(Event{Timestamp: old, Model: "old"}); err != nil {
		t.Fatalf("Record old: %v", err)
	}
	if err := s.Record(Event{Timestamp: recent, Model: "recent"}); err != nil {
		t.Fatalf("Record recent: %v", err)
	}
	s.Close()

	reloaded, err := New(Config{Capacity: 10, JSONLPath: path, Retention: time.Hour})
	if err != nil {
		t.Fatalf("reload New: %v", err)
	}
	defer reloaded.Close()
	all := reloaded.All()
	if len(all) != 1 || all[0].Model != "recent" {
		t.Fatalf("expected only the recent event to survive retention, got %+v", all)
	}
}

func TestIsCompaction(t *testing.T) {
	cases := []struct {
		prev, cur int
		want      bool
	}{
		{100, 69, true},
		{100, 70, false},
		{100, 71, false},
		{0, 10, false},
	}
	for _, c := range cases {
		if got := IsCompaction(c.prev, c.cur); got != c.want {
			t.Errorf("IsCompaction(%d,%d) = %v, want %v", c.prev, c.cur, got, c.want)
		}
	}
}
