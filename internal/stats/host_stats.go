// Package stats tracks render outcomes per target host.
package stats

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/renderbridge/internal/types"
)

// maxHosts is the number of hosts tracked before LRU eviction.
const maxHosts = 10000

// evictionBatchSize hosts are dropped at once when maxHosts is reached.
const evictionBatchSize = 100

// maxCounterValue resets a host's counters before they can overflow.
const maxCounterValue int64 = 1 << 62

// OutcomeOK is the outcome of a successful render.
const OutcomeOK = "ok"

// hostStats is the running record for one host.
type hostStats struct {
	mu sync.Mutex

	renders        int64
	successes      int64
	outcomes       map[string]int64
	totalLatencyMs int64

	lastRender  time.Time
	lastSuccess time.Time
	lastAccess  time.Time
}

func (s *hostStats) snapshot() types.HostStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := types.HostStats{
		Renders:     s.renders,
		Successes:   s.successes,
		Failures:    s.renders - s.successes,
		Outcomes:    make(map[string]int64, len(s.outcomes)),
		LastRender:  s.lastRender,
		LastSuccess: s.lastSuccess,
	}
	for k, v := range s.outcomes {
		out.Outcomes[k] = v
	}
	if s.renders > 0 {
		out.AvgLatencyMs = s.totalLatencyMs / s.renders
		out.ErrorRate = float64(out.Failures) / float64(s.renders)
	}
	return out
}

// Manager holds statistics for every host rendered recently.
type Manager struct {
	mu    sync.RWMutex
	hosts map[string]*hostStats

	maxAge    time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewManager starts a Manager that forgets hosts not rendered for maxAge.
func NewManager(maxAge time.Duration) *Manager {
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	m := &Manager{
		hosts:  make(map[string]*hostStats),
		maxAge: maxAge,
		stopCh: make(chan struct{}),
	}

	m.wg.Add(1)
	go m.cleanupRoutine()
	return m
}

func (m *Manager) cleanupRoutine() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.maxAge / 6)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanupStale(m.maxAge)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) cleanupStale(maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var removed int
	for host, s := range m.hosts {
		s.mu.Lock()
		stale := s.lastAccess.Before(cutoff)
		s.mu.Unlock()
		if stale {
			delete(m.hosts, host)
			removed++
		}
	}

	if removed > 0 {
		log.Debug().
			Int("removed", removed).
			Int("remaining", len(m.hosts)).
			Msg("Cleaned up stale host stats")
	}
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
	})
}

// Host returns the host of rawURL in lower case, or "" for URLs without
// one such as data: and file: targets.
func Host(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

func (m *Manager) getOrCreate(host string) *hostStats {
	now := time.Now()

	m.mu.Lock()
	s, ok := m.hosts[host]
	if !ok {
		if len(m.hosts) >= maxHosts {
			m.evictOldestBatchLocked(evictionBatchSize)
		}
		s = &hostStats{outcomes: make(map[string]int64), lastAccess: now}
		m.hosts[host] = s
		m.mu.Unlock()
		return s
	}
	m.mu.Unlock()

	s.mu.Lock()
	s.lastAccess = now
	s.mu.Unlock()
	return s
}

// evictOldestBatchLocked drops the count least recently used hosts.
// Must be called with m.mu held.
func (m *Manager) evictOldestBatchLocked(count int) {
	if len(m.hosts) <= count {
		clear(m.hosts)
		return
	}

	type hostTime struct {
		host       string
		lastAccess time.Time
	}
	candidates := make([]hostTime, 0, len(m.hosts))
	for host, s := range m.hosts {
		s.mu.Lock()
		candidates = append(candidates, hostTime{host, s.lastAccess})
		s.mu.Unlock()
	}

	for i := 0; i < count; i++ {
		minIdx := i
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].lastAccess.Before(candidates[minIdx].lastAccess) {
				minIdx = j
			}
		}
		candidates[i], candidates[minIdx] = candidates[minIdx], candidates[i]
		delete(m.hosts, candidates[i].host)
	}
}

// Record adds one finished render of rawURL. outcome is OutcomeOK or a
// failure label.
func (m *Manager) Record(rawURL, outcome string, latency time.Duration) {
	host := Host(rawURL)
	if host == "" {
		return
	}
	s := m.getOrCreate(host)
	latencyMs := latency.Milliseconds()
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.renders >= maxCounterValue || s.totalLatencyMs >= maxCounterValue-latencyMs {
		log.Warn().Str("host", host).Msg("Host stats counters reset")
		s.renders, s.successes, s.totalLatencyMs = 0, 0, 0
		clear(s.outcomes)
	}

	s.renders++
	s.totalLatencyMs += latencyMs
	s.outcomes[outcome]++
	s.lastRender = now
	if outcome == OutcomeOK {
		s.successes++
		s.lastSuccess = now
	}
}

// Get returns the statistics for host and whether it is tracked.
func (m *Manager) Get(host string) (types.HostStats, bool) {
	m.mu.RLock()
	s, ok := m.hosts[strings.ToLower(host)]
	m.mu.RUnlock()
	if !ok {
		return types.HostStats{}, false
	}
	return s.snapshot(), true
}

// All returns a copy of every host's statistics.
func (m *Manager) All() map[string]types.HostStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]types.HostStats, len(m.hosts))
	for host, s := range m.hosts {
		out[host] = s.snapshot()
	}
	return out
}

// Len returns the number of hosts tracked.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hosts)
}

// Reset forgets every host.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.hosts)
}
