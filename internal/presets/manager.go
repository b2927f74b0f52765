package presets

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const debounceDelay = 100 * time.Millisecond

// ReloadStats contains statistics about preset reloads.
type ReloadStats struct {
	LastReloadTime time.Time `json:"lastReloadTime,omitempty"`
	ReloadCount    int64     `json:"reloadCount"`
	LastError      error     `json:"-"`
	LastErrorStr   string    `json:"lastError,omitempty"`
}

// Manager serves presets with optional hot reload of an external file.
// Reads are lock-free using atomic.Value.
type Manager struct {
	embedded     *Presets     // Compiled-in defaults (immutable)
	current      atomic.Value // *Presets
	externalPath string
	watcher      *fsnotify.Watcher
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex // Protects reload operations
	stats        ReloadStats
	closed       bool
}

// NewManager creates a Manager. If externalPath is empty only the embedded
// presets are served. If hotReload is true, changes to externalPath are
// picked up at runtime. A missing or invalid external file is logged and the
// embedded presets stay in use.
func NewManager(externalPath string, hotReload bool) (*Manager, error) {
	m := &Manager{
		embedded:     Default(),
		externalPath: externalPath,
		stopCh:       make(chan struct{}),
	}
	m.current.Store(m.embedded)

	if externalPath == "" {
		return m, nil
	}

	if err := m.Reload(); err != nil {
		log.Warn().
			Err(err).
			Str("path", externalPath).
			Msg("Failed to load external presets, using embedded defaults")
	} else {
		log.Info().Str("path", externalPath).Msg("Loaded external presets file")
	}

	if hotReload {
		if err := m.startWatcher(); err != nil {
			log.Warn().
				Err(err).
				Str("path", externalPath).
				Msg("Failed to start file watcher, hot-reload disabled")
		} else {
			log.Info().Str("path", externalPath).Msg("Hot-reload enabled for presets file")
		}
	}
	return m, nil
}

// Get returns the current presets. This is a lock-free O(1) operation.
func (m *Manager) Get() *Presets {
	return m.current.Load().(*Presets)
}

// Lookup returns the named preset from the current set.
func (m *Manager) Lookup(name string) (Preset, bool) {
	return m.Get().Lookup(name)
}

// Reload re-reads the external file. On failure the previous presets remain
// in use.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.externalPath == "" {
		return fmt.Errorf("no external presets path configured")
	}

	data, err := os.ReadFile(m.externalPath)
	if err != nil {
		m.stats.LastError = err
		return fmt.Errorf("failed to read presets file: %w", err)
	}
	external, err := parseAndValidate(data)
	if err != nil {
		m.stats.LastError = err
		return fmt.Errorf("failed to parse presets file: %w", err)
	}

	m.current.Store(m.mergeWithEmbedded(external))
	m.stats.LastReloadTime = time.Now()
	m.stats.ReloadCount++
	m.stats.LastError = nil

	log.Info().
		Int64("reload_count", m.stats.ReloadCount).
		Int("presets", len(external.Presets)).
		Msg("Presets reloaded")
	return nil
}

// Stats returns the current reload statistics.
func (m *Manager) Stats() ReloadStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	if stats.LastError != nil {
		stats.LastErrorStr = stats.LastError.Error()
	}
	return stats
}

// Close stops the file watcher. Safe to call multiple times.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// mergeWithEmbedded overlays external presets on the embedded ones by name.
func (m *Manager) mergeWithEmbedded(external *Presets) *Presets {
	merged := &Presets{Presets: make(map[string]Preset, len(m.embedded.Presets)+len(external.Presets))}
	for name, p := range m.embedded.Presets {
		merged.Presets[name] = p
	}
	for name, p := range external.Presets {
		merged.Presets[name] = p
	}
	return merged
}

func (m *Manager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(m.externalPath); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch file: %w", err)
	}
	m.watcher = watcher

	m.wg.Add(1)
	go m.watchFile()
	return nil
}

// watchFile reloads after write or create events settle.
func (m *Manager) watchFile() {
	defer m.wg.Done()

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			log.Debug().
				Str("event", event.Op.String()).
				Str("file", event.Name).
				Msg("Presets file changed")

			if debounceTimer == nil {
				debounceTimer = time.AfterFunc(debounceDelay, m.reloadFromWatcher)
			} else {
				debounceTimer.Reset(debounceDelay)
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("File watcher error")

		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) reloadFromWatcher() {
	select {
	case <-m.stopCh:
		return
	default:
	}
	if err := m.Reload(); err != nil {
		log.Warn().
			Err(err).
			Str("path", m.externalPath).
			Msg("Hot-reload failed, keeping previous presets")
	}
}
