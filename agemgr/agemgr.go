// Package agemgr tracks bundle age against configured lifetime bounds,
// answering expiration and priority-demotion questions for the router and
// strategy selector without either owning the bundle itself.
package agemgr

import (
	"sort"
	"sync"
	"time"

	"github.com/trumanellis/indras-dtn/dtnbundle"
	"github.com/trumanellis/indras-dtn/dtnpacket"
)

// DemotionThreshold demotes a bundle's effective priority to Priority once
// its age exceeds After.
type DemotionThreshold struct {
	After    time.Duration
	Priority dtnpacket.Priority
}

// Config bounds how long bundles are tracked and how their priority decays
// with age.
type Config struct {
	DefaultLifetime    time.Duration
	MaxLifetime        time.Duration
	DemotionThresholds []DemotionThreshold
	CleanupInterval    time.Duration
}

// DefaultConfig matches the defaults this module's age tracking has always
// shipped with: an hour default lifetime, a week-long hard cap, demotion to
// Normal past five minutes and Low past fifteen, and a minute between
// sweeps.
func DefaultConfig() Config {
	return Config{
		DefaultLifetime: time.Hour,
		MaxLifetime:     7 * 24 * time.Hour,
		DemotionThresholds: []DemotionThreshold{
			{After: 5 * time.Minute, Priority: dtnpacket.PriorityNormal},
			{After: 15 * time.Minute, Priority: dtnpacket.PriorityLow},
		},
		CleanupInterval: time.Minute,
	}
}

// Record is the tracking state kept for one bundle.
type Record struct {
	BundleId         dtnbundle.BundleId
	CreatedAt        time.Time
	ExpiresAt        time.Time
	PriorityAtCreate dtnpacket.Priority
}

// Manager tracks ExpirationRecords for bundles this node is holding.
type Manager struct {
	cfg Config

	mu      sync.RWMutex
	tracked map[dtnbundle.BundleId]Record
}

func New(cfg Config) *Manager {
	return &Manager{cfg: cfg, tracked: make(map[dtnbundle.BundleId]Record)}
}

// Track begins tracking b, capping its effective lifetime at the manager's
// configured maximum.
func (m *Manager) Track(b dtnbundle.Bundle) {
	lifetime := b.Lifetime
	if lifetime > m.cfg.MaxLifetime {
		lifetime = m.cfg.MaxLifetime
	}

	rec := Record{
		BundleId:         b.Id,
		CreatedAt:        b.Packet.CreatedAt,
		ExpiresAt:        b.Packet.CreatedAt.Add(lifetime),
		PriorityAtCreate: b.Packet.Priority,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked[b.Id] = rec
}

// Untrack stops tracking a bundle, e.g. after delivery or deletion.
func (m *Manager) Untrack(id dtnbundle.BundleId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracked, id)
}

func (m *Manager) IsTracked(id dtnbundle.BundleId) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tracked[id]
	return ok
}

// IsExpired reports whether id is tracked and past its expiration time. An
// untracked id is reported as not expired -- the manager has no opinion on
// bundles it was never asked to track.
func (m *Manager) IsExpired(id dtnbundle.BundleId) bool {
	m.mu.RLock()
	rec, ok := m.tracked[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return time.Now().After(rec.ExpiresAt)
}

// TimeRemaining returns the time left until expiration, and false if the
// bundle is untracked or already past its expiration time.
func (m *Manager) TimeRemaining(id dtnbundle.BundleId) (time.Duration, bool) {
	m.mu.RLock()
	rec, ok := m.tracked[id]
	m.mu.RUnlock()
	if !ok {
		return 0, false
	}

	now := time.Now()
	if now.After(rec.ExpiresAt) {
		return 0, false
	}
	return rec.ExpiresAt.Sub(now), true
}

// BundleAge returns how long a tracked bundle has existed.
func (m *Manager) BundleAge(id dtnbundle.BundleId) (time.Duration, bool) {
	m.mu.RLock()
	rec, ok := m.tracked[id]
	m.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return time.Since(rec.CreatedAt), true
}

// EffectivePriority returns the priority a bundle should currently be
// treated at, taking age-based demotion into account. Thresholds the
// bundle's age has passed each propose a demoted priority; the lowest such
// priority among valid thresholds wins, so a very old bundle demotes all
// the way down rather than stopping at the first threshold crossed.
func (m *Manager) EffectivePriority(id dtnbundle.BundleId) (dtnpacket.Priority, bool) {
	m.mu.RLock()
	rec, ok := m.tracked[id]
	m.mu.RUnlock()
	if !ok {
		return 0, false
	}

	age := time.Since(rec.CreatedAt)
	effective := rec.PriorityAtCreate

	for _, th := range m.cfg.DemotionThresholds {
		if age >= th.After && th.Priority < effective {
			effective = th.Priority
		}
	}

	return effective, true
}

// GetExpired returns the ids of all tracked bundles past their expiration
// time, without removing them.
func (m *Manager) GetExpired() []dtnbundle.BundleId {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var expired []dtnbundle.BundleId
	for id, rec := range m.tracked {
		if now.After(rec.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	return expired
}

// Cleanup removes every tracked bundle past its expiration time and
// returns their ids.
func (m *Manager) Cleanup() []dtnbundle.BundleId {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var expired []dtnbundle.BundleId
	for id, rec := range m.tracked {
		if now.After(rec.ExpiresAt) {
			expired = append(expired, id)
			delete(m.tracked, id)
		}
	}
	return expired
}

// TrackedCount reports how many bundles are currently tracked.
func (m *Manager) TrackedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tracked)
}

// ExpiringSoon returns the ids of tracked bundles whose remaining lifetime
// is at or below threshold.
func (m *Manager) ExpiringSoon(threshold time.Duration) []dtnbundle.BundleId {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var ids []dtnbundle.BundleId
	for id, rec := range m.tracked {
		if rec.ExpiresAt.Before(now) {
			continue
		}
		if rec.ExpiresAt.Sub(now) <= threshold {
			ids = append(ids, id)
		}
	}
	return ids
}

// ByExpiration returns every tracked id, soonest-to-expire first.
func (m *Manager) ByExpiration() []dtnbundle.BundleId {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type entry struct {
		id      dtnbundle.BundleId
		expires time.Time
	}
	entries := make([]entry, 0, len(m.tracked))
	for id, rec := range m.tracked {
		entries = append(entries, entry{id, rec.ExpiresAt})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].expires.Before(entries[j].expires) })

	out := make([]dtnbundle.BundleId, len(entries))
	for i, e := range entries {
		out[i] = e.id
	}
	return out
}
