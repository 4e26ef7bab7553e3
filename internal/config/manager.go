// Package config loads the daemon configuration, validates it and feeds
// hot reloads to the running services.
package config

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "dosewatch/pkg/logx"
)

const (
	// reloadDelay debounces file events so a half-written save is not
	// parsed mid-flight.
	reloadDelay     = 250 * time.Millisecond
	validateTimeout = 5 * time.Second

	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// Manager owns the config file: initial load, the fsnotify watch and the
// validated fan-out of reloads to subscribers.
type Manager struct {
	path string

	mu          sync.RWMutex
	cfg         *Config
	fingerprint uint64

	// subsMu also covers publish, so a channel is never closed while a
	// send to it is pending.
	subsMu sync.Mutex
	subs   []chan *Config

	log      logx.Logger
	validate func(ctx context.Context, cfg *Config) error
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop()}
}

func (m *Manager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// SetValidator installs the check every reload must pass before it is
// committed and published. A rejected file leaves the running config as is.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validate = fn
}

// Parse reads and decodes the file without touching the committed config.
func (m *Manager) Parse() (*Config, error) {
	return decodeFile(m.path)
}

// Load parses the file and commits it as the current config.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.fingerprint = fingerprint(cfg)
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		// Full buffer: evict the stale config so the newest one lands.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped, subscriber not keeping up")
		}
	}
}

// Watch blocks until ctx ends, reloading the config whenever the file
// changes. A broken watcher is recreated with jittered backoff, so a
// transient filesystem problem costs at most a few seconds of staleness.
func (m *Manager) Watch(ctx context.Context) error {
	backoff := watchBackoffMin
	for {
		if ctx.Err() != nil {
			return nil
		}
		started := time.Now()
		if err := m.watchOnce(ctx); err != nil {
			m.log.Warn("config watcher stopped, restarting",
				logx.String("path", m.path), logx.Err(err))
		}
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > time.Minute {
			backoff = watchBackoffMin
		}
		wait := backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		if backoff *= 2; backoff > watchBackoffMax {
			backoff = watchBackoffMax
		}
	}
}

// watchOnce runs a single watcher until it breaks or the context ends.
func (m *Manager) watchOnce(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	if err := w.Add(filepath.Dir(m.path)); err != nil {
		return err
	}
	base := filepath.Base(m.path)
	m.log.Debug("config watcher started", logx.String("path", m.path))

	// Armed on each relevant event; firing runs the reload. Resetting an
	// armed timer extends the quiet period across an editor's write burst.
	debounce := time.NewTimer(reloadDelay)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	arm := func() {
		if !debounce.Stop() {
			select {
			case <-debounce.C:
			default:
			}
		}
		debounce.Reset(reloadDelay)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-debounce.C:
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event stream closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), base) {
				arm()
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return errors.New("error stream closed")
			}
			if werr == nil {
				continue
			}
			// Events may have been lost; reload once rather than guess.
			m.log.Warn("config watch error, forcing reload", logx.Err(werr))
			arm()
		}
	}
}

func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config reload failed, keeping previous",
			logx.String("path", m.path), logx.Err(err))
		return
	}

	fp := fingerprint(cfg)
	m.mu.RLock()
	unchanged := fp != 0 && fp == m.fingerprint
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged, reload skipped", logx.String("path", m.path))
		return
	}

	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validate(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config change rejected, keeping previous",
				logx.String("path", m.path), logx.Err(err))
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Info("configuration reloaded", logx.String("path", m.path))
}
