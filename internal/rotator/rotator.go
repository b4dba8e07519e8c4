// Package rotator hands out exhaustible credentials (API keys, outbound
// proxies) in round-robin order while resting the ones that misbehave.
package rotator

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrEmptyPool = errors.New("rotator: resource pool is empty")

type health struct {
	failures     int
	blockedUntil time.Time
	lastTried    time.Time
}

// Rotator is safe for concurrent use. A nil *Rotator hands out "" and ignores
// reports, which callers treat as "resource not configured".
type Rotator struct {
	name      string
	resources []string
	mask      func(string) string
	now       func() time.Time
	logger    zerolog.Logger

	mu     sync.Mutex
	cursor int
	health map[string]*health
}

type Option func(*Rotator)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Rotator) { r.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Rotator) { r.logger = logger }
}

// WithMask sets how resources are rendered in logs and stats.
func WithMask(mask func(string) string) Option {
	return func(r *Rotator) { r.mask = mask }
}

// New builds a rotator over resources. Empty and repeated entries are dropped.
func New(name string, resources []string, opts ...Option) (*Rotator, error) {
	pool := dedupe(resources)
	if len(pool) == 0 {
		return nil, ErrEmptyPool
	}
	r := &Rotator{
		name:      name,
		resources: pool,
		mask:      MaskSecret,
		now:       time.Now,
		logger:    zerolog.Nop(),
		health:    make(map[string]*health, len(pool)),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, res := range pool {
		r.health[res] = &health{}
	}
	r.logger = r.logger.With().Str("pool", name).Logger()
	return r, nil
}

func (r *Rotator) Name() string {
	if r == nil {
		return ""
	}
	return r.name
}

// Len reports the pool size.
func (r *Rotator) Len() int {
	if r == nil {
		return 0
	}
	return len(r.resources)
}

// Next returns the next resource that is not cooling down. When every
// resource is cooling down it returns the one tried least recently.
func (r *Rotator) Next() string {
	if r == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for range r.resources {
		res := r.resources[r.cursor]
		r.cursor = (r.cursor + 1) % len(r.resources)
		h := r.health[res]
		if !now.Before(h.blockedUntil) {
			h.lastTried = now
			return res
		}
	}

	fallback := r.resources[0]
	for _, res := range r.resources[1:] {
		if r.health[res].lastTried.Before(r.health[fallback].lastTried) {
			fallback = res
		}
	}
	r.health[fallback].lastTried = now
	r.logger.Warn().Str("resource", r.mask(fallback)).Msg("rotator: all resources cooling down, using least recently tried")
	return fallback
}

// ReportDegraded rests resource for cooldown. A longer cooldown already in
// effect is kept.
func (r *Rotator) ReportDegraded(resource string, cooldown time.Duration) {
	if r == nil || resource == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.health[resource]
	if !ok {
		return
	}
	h.failures++
	until := r.now().Add(cooldown)
	if until.After(h.blockedUntil) {
		h.blockedUntil = until
	}
	r.logger.Warn().
		Str("resource", r.mask(resource)).
		Int("failures", h.failures).
		Dur("cooldown", cooldown).
		Msg("rotator: resource degraded")
}

// ReportHealthy clears the failure streak and any cooldown.
func (r *Rotator) ReportHealthy(resource string) {
	if r == nil || resource == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.health[resource]; ok {
		h.failures = 0
		h.blockedUntil = time.Time{}
	}
}

// ResourceStats describes one pool entry without exposing it.
type ResourceStats struct {
	Index     int           `json:"index"`
	Label     string        `json:"label"`
	Blocked   bool          `json:"blocked"`
	Failures  int           `json:"failures"`
	UnblockIn time.Duration `json:"unblock_in"`
}

type Stats struct {
	Name      string          `json:"name"`
	Total     int             `json:"total"`
	Healthy   int             `json:"healthy"`
	Blocked   int             `json:"blocked"`
	Resources []ResourceStats `json:"resources"`
}

func (r *Rotator) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	st := Stats{Name: r.name, Total: len(r.resources), Resources: make([]ResourceStats, 0, len(r.resources))}
	for i, res := range r.resources {
		h := r.health[res]
		blocked := now.Before(h.blockedUntil)
		rs := ResourceStats{Index: i + 1, Label: r.mask(res), Blocked: blocked, Failures: h.failures}
		if blocked {
			st.Blocked++
			rs.UnblockIn = h.blockedUntil.Sub(now)
		} else {
			st.Healthy++
		}
		st.Resources = append(st.Resources, rs)
	}
	return st
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
