package stats

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestHost(t *testing.T) {
	tests := []struct {
		name   string
		rawURL string
		want   string
	}{
		{"simple url", "https://example.com/page", "example.com"},
		{"url with port", "https://example.com:8080/page", "example.com"},
		{"subdomain", "https://api.example.com/v1/data", "api.example.com"},
		{"upper case", "https://EXAMPLE.com/", "example.com"},
		{"ipv6", "http://[::1]:8080/", "::1"},
		{"data url", "data:text/html,<p>x</p>", ""},
		{"file url", "file:///tmp/page.html", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Host(tt.rawURL); got != tt.want {
				t.Errorf("Host(%q) = %q, want %q", tt.rawURL, got, tt.want)
			}
		})
	}
}

func TestManager_Record(t *testing.T) {
	m := NewManager(time.Hour)
	defer m.Close()

	m.Record("https://example.com/a", OutcomeOK, 100*time.Millisecond)
	m.Record("https://example.com/b", OutcomeOK, 300*time.Millisecond)
	m.Record("https://example.com/c", "timeout", 200*time.Millisecond)

	s, ok := m.Get("example.com")
	if !ok {
		t.Fatal("Expected example.com to be tracked")
	}
	if s.Renders != 3 || s.Successes != 2 || s.Failures != 1 {
		t.Errorf("Unexpected counts: %+v", s)
	}
	if s.AvgLatencyMs != 200 {
		t.Errorf("Expected avg latency 200ms, got %d", s.AvgLatencyMs)
	}
	if s.Outcomes["timeout"] != 1 || s.Outcomes[OutcomeOK] != 2 {
		t.Errorf("Unexpected outcomes: %v", s.Outcomes)
	}
	if s.ErrorRate < 0.33 || s.ErrorRate > 0.34 {
		t.Errorf("Expected error rate ~0.333, got %f", s.ErrorRate)
	}
	if s.LastSuccess.IsZero() || s.LastRender.Before(s.LastSuccess) {
		t.Errorf("Bad timestamps: last=%v success=%v", s.LastRender, s.LastSuccess)
	}
}

func TestManager_RecordWithoutHost(t *testing.T) {
	m := NewManager(time.Hour)
	defer m.Close()

	m.Record("data:text/html,<p>x</p>", OutcomeOK, time.Millisecond)
	m.Record("", "invalid_request", time.Millisecond)

	if m.Len() != 0 {
		t.Errorf("Expected no hosts tracked, got %d", m.Len())
	}
}

func TestManager_SnapshotIsCopy(t *testing.T) {
	m := NewManager(time.Hour)
	defer m.Close()

	m.Record("https://example.com", "timeout", time.Millisecond)
	all := m.All()
	all["example.com"].Outcomes["timeout"] = 99

	s, _ := m.Get("example.com")
	if s.Outcomes["timeout"] != 1 {
		t.Errorf("Snapshot mutation leaked into manager: %v", s.Outcomes)
	}
}

func TestManager_CleanupStale(t *testing.T) {
	m := NewManager(time.Hour)
	defer m.Close()

	m.Record("https://old.example", OutcomeOK, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	m.Record("https://new.example", OutcomeOK, time.Millisecond)

	m.cleanupStale(10 * time.Millisecond)

	if _, ok := m.Get("old.example"); ok {
		t.Error("Expected old.example to be removed")
	}
	if _, ok := m.Get("new.example"); !ok {
		t.Error("Expected new.example to remain")
	}
}

func TestManager_EvictOldestBatch(t *testing.T) {
	m := NewManager(time.Hour)
	defer m.Close()

	for i := 0; i < 5; i++ {
		m.Record(fmt.Sprintf("https://h%d.example", i), OutcomeOK, time.Millisecond)
		time.Sleep(time.Millisecond)
	}

	m.mu.Lock()
	m.evictOldestBatchLocked(2)
	m.mu.Unlock()

	if m.Len() != 3 {
		t.Fatalf("Expected 3 hosts, got %d", m.Len())
	}
	for _, gone := range []string{"h0.example", "h1.example"} {
		if _, ok := m.Get(gone); ok {
			t.Errorf("Expected %s to be evicted", gone)
		}
	}
}

func TestManager_Reset(t *testing.T) {
	m := NewManager(time.Hour)
	defer m.Close()

	m.Record("https://example.com", OutcomeOK, time.Millisecond)
	m.Reset()
	if m.Len() != 0 {
		t.Errorf("Expected empty manager after Reset, got %d", m.Len())
	}
}

func TestManager_Concurrent(t *testing.T) {
	m := NewManager(time.Hour)
	defer m.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m.Record(fmt.Sprintf("https://h%d.example", j%5), OutcomeOK, time.Millisecond)
				_ = m.All()
			}
		}(i)
	}
	wg.Wait()

	var total int64
	for _, s := range m.All() {
		total += s.Renders
	}
	if total != 1000 {
		t.Errorf("Expected 1000 renders, got %d", total)
	}
}

func TestManager_CloseTwice(t *testing.T) {
	m := NewManager(time.Hour)
	m.Close()
	m.Close()
}
