// Package guard blocks client addresses that keep abusing the conversation
// endpoint. Offenses reported by the web server (malformed frames, rate limit
// hits, rejected handshakes, scanner requests) are scored per IP over a sliding
// window; an IP whose score reaches the threshold is refused at accept time
// until its block expires.
package guard

import (
	"log/slog"
	"sync"
	"time"
)

// Offense is a kind of misbehavior reported for a client address.
type Offense string

const (
	// OffenseMalformed is a frame that does not decode to a client command.
	OffenseMalformed Offense = "malformed"
	// OffenseRateLimited is a command dropped by the per-connection limiter.
	OffenseRateLimited Offense = "rate_limited"
	// OffenseRejected is a refused handshake (bad parameters, origin, or
	// connection limit).
	OffenseRejected Offense = "rejected"
	// OffenseScan is a request for a path only scanners ask for.
	OffenseScan Offense = "scan"
)

// weight is the score an offense adds. Scans weigh more: no real client
// ever sends one.
func (o Offense) weight() int {
	if o == OffenseScan {
		return 5
	}
	return 1
}

const (
	cleanupInterval = 5 * time.Minute
	scoreMaxAge     = time.Hour
)

// Config configures a Guard.
type Config struct {
	Enabled bool
	// Threshold is the offense score within Window that blocks an address.
	Threshold int
	Window    time.Duration
	// BlockDuration is how long a blocked address stays blocked.
	BlockDuration time.Duration
	// Whitelist holds IPs or CIDRs that are never blocked.
	Whitelist []string
	// PersistPath, when set, keeps the blocklist across restarts.
	PersistPath string
}

// DefaultConfig returns a disabled guard with usable thresholds.
func DefaultConfig() Config {
	return Config{
		Threshold:     50,
		Window:        time.Minute,
		BlockDuration: time.Hour,
		Whitelist:     []string{"127.0.0.0/8", "::1/128"},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = d.BlockDuration
	}
	return c
}

type score struct {
	hits     []hit
	lastSeen time.Time
}

type hit struct {
	at     time.Time
	weight int
}

// Guard scores offenses and owns the blocklist. A nil or disabled Guard
// blocks nothing.
type Guard struct {
	cfg       Config
	blocklist *Blocklist
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	scores  map[string]*score
	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped bool
}

// New creates a guard, loading the persisted blocklist if there is one.
func New(cfg Config, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	g := &Guard{
		cfg:       cfg,
		blocklist: NewBlocklist(cfg.Whitelist),
		logger:    logger,
		now:       time.Now,
		scores:    make(map[string]*score),
		stopCh:    make(chan struct{}),
	}
	if cfg.Enabled && cfg.PersistPath != "" {
		if err := g.blocklist.Load(cfg.PersistPath); err != nil {
			logger.Warn("failed to load blocklist", "path", cfg.PersistPath, "error", err)
		} else if n := g.blocklist.Count(); n > 0 {
			logger.Info("blocklist loaded", "path", cfg.PersistPath, "entries", n)
		}
	}
	if cfg.Enabled {
		g.wg.Add(1)
		go g.cleanupLoop()
	}
	return g
}

// Enabled reports whether the guard blocks anything.
func (g *Guard) Enabled() bool { return g != nil && g.cfg.Enabled }

// Blocked reports whether ip is blocked, and why.
func (g *Guard) Blocked(ip string) (bool, string) {
	if !g.Enabled() {
		return false, ""
	}
	return g.blocklist.Lookup(ip, g.now())
}

// Report scores an offense for ip and blocks it when the threshold is
// reached. It returns true when this report caused the block.
func (g *Guard) Report(ip string, o Offense) bool {
	if !g.Enabled() || ip == "" || g.blocklist.Whitelisted(ip) {
		return false
	}
	now := g.now()

	g.mu.Lock()
	s, ok := g.scores[ip]
	if !ok {
		s = &score{}
		g.scores[ip] = s
	}
	s.lastSeen = now
	s.hits = append(s.hits, hit{at: now, weight: o.weight()})
	cutoff := now.Add(-g.cfg.Window)
	total, keep := 0, s.hits[:0]
	for _, h := range s.hits {
		if h.at.After(cutoff) {
			keep = append(keep, h)
			total += h.weight
		}
	}
	s.hits = keep
	trip := total >= g.cfg.Threshold
	if trip {
		delete(g.scores, ip)
	}
	g.mu.Unlock()

	if !trip {
		return false
	}
	g.blocklist.Add(Entry{
		IP:        ip,
		Reason:    string(o),
		Score:     total,
		BlockedAt: now,
		ExpiresAt: now.Add(g.cfg.BlockDuration),
	})
	g.logger.Warn("address blocked", "client_ip", ip, "offense", o, "score", total, "block_duration", g.cfg.BlockDuration)
	g.persist()
	return true
}

// Unblock removes ip from the blocklist.
func (g *Guard) Unblock(ip string) {
	if g == nil {
		return
	}
	g.blocklist.Remove(ip)
	g.persist()
}

// BlockedCount returns the number of blocked addresses.
func (g *Guard) BlockedCount() int {
	if g == nil {
		return 0
	}
	return g.blocklist.Count()
}

func (g *Guard) persist() {
	if g.cfg.PersistPath == "" {
		return
	}
	if err := g.blocklist.Save(g.cfg.PersistPath); err != nil {
		g.logger.Warn("failed to save blocklist", "path", g.cfg.PersistPath, "error", err)
	}
}

func (g *Guard) cleanupLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.cleanup()
		case <-g.stopCh:
			return
		}
	}
}

func (g *Guard) cleanup() {
	if n := g.blocklist.Expire(g.now()); n > 0 {
		g.logger.Debug("blocklist entries expired", "removed", n)
		g.persist()
	}
	cutoff := g.now().Add(-scoreMaxAge)
	g.mu.Lock()
	for ip, s := range g.scores {
		if s.lastSeen.Before(cutoff) {
			delete(g.scores, ip)
		}
	}
	g.mu.Unlock()
}

// Close stops the cleanup loop and saves the blocklist.
func (g *Guard) Close() error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return nil
	}
	g.stopped = true
	close(g.stopCh)
	g.mu.Unlock()
	g.wg.Wait()
	if g.cfg.Enabled {
		g.persist()
	}
	return nil
}
