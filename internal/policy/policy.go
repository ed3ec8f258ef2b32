// Package policy guards the proxy endpoint against abusive clients:
// a per-IP connection rate limit and a persisted IP blacklist, checked
// before a request ever reaches the dispatcher.
package policy

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/catfishapiagg/llmproxy/internal/util"
)

// Config holds policy configuration
type Config struct {
	RateLimitEnabled bool
	ConnectionLimit  int32         // per-IP request allowance; each admitted request spends one, refused once below zero
	ConnectionGrace  time.Duration // grace period after startup
	LimitJump        int32         // connection allowance regained per successful request

	BanningEnabled bool
	BanTimeout     time.Duration
	MalformedLimit int32 // malformed requests before an automatic ban

	ResetInterval time.Duration // how often stale/expired stats are swept
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		RateLimitEnabled: true,
		ConnectionLimit:  60,
		ConnectionGrace:  30 * time.Second,
		LimitJump:        1,

		BanningEnabled: true,
		BanTimeout:     30 * time.Minute,
		MalformedLimit: 10,

		ResetInterval: time.Minute,
	}
}

// IPStats tracks per-IP request activity.
type IPStats struct {
	mu        sync.Mutex
	LastBeat  int64
	ConnLimit int32
	Malformed int32
	BannedAt  int64
	Banned    int32
}

// store is the minimal persistence contract for the blacklist
// document; satisfied by *storage.FileStore.
type store interface {
	Load(name string, v interface{}) (bool, error)
	Store(name string, v interface{}) error
}

const blacklistDoc = "blacklist"

// PolicyServer evaluates incoming client requests against the
// configured rate limit and blacklist before they reach the
// dispatcher.
type PolicyServer struct {
	config *Config
	store  store

	statsMu sync.RWMutex
	stats   map[string]*IPStats

	listMu    sync.RWMutex
	blacklist map[string]struct{}

	startedAt int64

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewPolicyServer creates a new policy server backed by store for the
// persisted blacklist.
func NewPolicyServer(cfg *Config, store store) *PolicyServer {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	return &PolicyServer{
		config:    cfg,
		store:     store,
		stats:     make(map[string]*IPStats),
		blacklist: make(map[string]struct{}),
		startedAt: time.Now().UnixMilli(),
		quit:      make(chan struct{}),
	}
}

// Start loads the persisted blacklist and begins the background sweep
// of stale/expired per-IP stats.
func (p *PolicyServer) Start() {
	p.loadBlacklist()

	p.wg.Add(1)
	go p.resetLoop()

	util.Info("policy: started")
}

// Stop shuts down the background sweep.
func (p *PolicyServer) Stop() {
	close(p.quit)
	p.wg.Wait()
	util.Info("policy: stopped")
}

func (p *PolicyServer) resetLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.ResetInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.resetStats()
		}
	}
}

func (p *PolicyServer) resetStats() {
	now := time.Now().UnixMilli()
	banTimeout := p.config.BanTimeout.Milliseconds()
	staleTimeout := p.config.ResetInterval.Milliseconds()

	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	removed, unbanned := 0, 0
	for ip, stats := range p.stats {
		stats.mu.Lock()

		if stats.BannedAt > 0 && now-stats.BannedAt >= banTimeout {
			stats.BannedAt = 0
			if atomic.CompareAndSwapInt32(&stats.Banned, 1, 0) {
				unbanned++
			}
		}

		if now-stats.LastBeat >= staleTimeout && atomic.LoadInt32(&stats.Banned) == 0 {
			stats.mu.Unlock()
			delete(p.stats, ip)
			removed++
			continue
		}
		stats.mu.Unlock()
	}

	if removed > 0 || unbanned > 0 {
		util.Debugf("policy: stats sweep removed %d stale, unbanned %d", removed, unbanned)
	}
}

func (p *PolicyServer) loadBlacklist() {
	if p.store == nil {
		return
	}
	var list []string
	ok, err := p.store.Load(blacklistDoc, &list)
	if err != nil {
		util.Warnf("policy: failed to load blacklist: %v", err)
		return
	}
	if !ok {
		return
	}

	p.listMu.Lock()
	defer p.listMu.Unlock()
	for _, ip := range list {
		p.blacklist[ip] = struct{}{}
	}
}

func (p *PolicyServer) persistBlacklist() error {
	if p.store == nil {
		return nil
	}
	return p.store.Store(blacklistDoc, p.Blacklist())
}

func (p *PolicyServer) getStats(ip string) *IPStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	stats, ok := p.stats[ip]
	if !ok {
		stats = &IPStats{
			LastBeat:  time.Now().UnixMilli(),
			ConnLimit: p.config.ConnectionLimit,
		}
		p.stats[ip] = stats
	} else {
		stats.LastBeat = time.Now().UnixMilli()
	}
	return stats
}

// IsBanned reports whether ip is currently under an automatic ban.
func (p *PolicyServer) IsBanned(ip string) bool {
	if !p.config.BanningEnabled {
		return false
	}
	stats := p.getStats(ip)
	return atomic.LoadInt32(&stats.Banned) > 0
}

// IsBlacklisted reports whether ip was added to the manual blacklist.
func (p *PolicyServer) IsBlacklisted(ip string) bool {
	p.listMu.RLock()
	defer p.listMu.RUnlock()
	_, ok := p.blacklist[ip]
	return ok
}

// Allow is the single guard the HTTP frontend calls before invoking
// the dispatcher: it rejects blacklisted and banned clients outright,
// and otherwise enforces the per-IP connection limit.
func (p *PolicyServer) Allow(ip string) bool {
	if p.IsBlacklisted(ip) || p.IsBanned(ip) {
		return false
	}
	return p.applyConnectionLimit(ip)
}

func (p *PolicyServer) applyConnectionLimit(ip string) bool {
	if !p.config.RateLimitEnabled {
		return true
	}
	if time.Now().UnixMilli()-p.startedAt < p.config.ConnectionGrace.Milliseconds() {
		return true
	}

	stats := p.getStats(ip)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	if stats.ConnLimit < 0 {
		return false
	}
	stats.ConnLimit--
	return true
}

// RecordSuccess regains some connection allowance after a request the
// dispatcher actually served, so a well-behaved client recovers from a
// brief burst.
func (p *PolicyServer) RecordSuccess(ip string) {
	if !p.config.RateLimitEnabled {
		return
	}
	stats := p.getStats(ip)
	stats.mu.Lock()
	stats.ConnLimit += p.config.LimitJump
	stats.mu.Unlock()
}

// ApplyMalformedPolicy tracks malformed request bodies from ip and
// bans it once MalformedLimit is reached.
func (p *PolicyServer) ApplyMalformedPolicy(ip string) bool {
	if !p.config.BanningEnabled {
		return true
	}

	stats := p.getStats(ip)
	stats.mu.Lock()
	stats.Malformed++
	tripped := stats.Malformed >= p.config.MalformedLimit
	stats.mu.Unlock()

	if tripped {
		p.BanIP(ip)
		return false
	}
	return true
}

// BanIP bans ip for BanTimeout.
func (p *PolicyServer) BanIP(ip string) {
	if !p.config.BanningEnabled {
		return
	}

	stats := p.getStats(ip)
	stats.mu.Lock()
	stats.BannedAt = time.Now().UnixMilli()
	stats.mu.Unlock()

	if atomic.CompareAndSwapInt32(&stats.Banned, 0, 1) {
		util.Infof("policy: banned IP %s", ip)
	}
}

// Blacklist returns the current manual blacklist entries.
func (p *PolicyServer) Blacklist() []string {
	p.listMu.RLock()
	defer p.listMu.RUnlock()

	out := make([]string, 0, len(p.blacklist))
	for ip := range p.blacklist {
		out = append(out, ip)
	}
	return out
}

// AddToBlacklist adds ip to the manual blacklist and persists it.
func (p *PolicyServer) AddToBlacklist(ip string) error {
	p.listMu.Lock()
	p.blacklist[ip] = struct{}{}
	p.listMu.Unlock()

	return p.persistBlacklist()
}

// RemoveFromBlacklist removes ip from the manual blacklist and
// persists the change.
func (p *PolicyServer) RemoveFromBlacklist(ip string) error {
	p.listMu.Lock()
	delete(p.blacklist, ip)
	p.listMu.Unlock()

	return p.persistBlacklist()
}

// Stats returns the total number of tracked IPs and how many are
// currently banned, for the admin stats surface.
func (p *PolicyServer) Stats() (total, banned int) {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()

	total = len(p.stats)
	for _, stats := range p.stats {
		if atomic.LoadInt32(&stats.Banned) > 0 {
			banned++
		}
	}
	return
}
