package guard

import (
	"errors"
	"io/fs"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/inercia/parley/internal/fileutil"
)

// Entry is one blocked address.
type Entry struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	Score     int       `json:"score"`
	BlockedAt time.Time `json:"blocked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Blocklist holds blocked addresses with expiry. Whitelisted addresses are
// never blocked.
type Blocklist struct {
	mu        sync.RWMutex
	entries   map[string]Entry
	whitelist []*net.IPNet
}

// NewBlocklist creates a blocklist. Whitelist items are CIDRs or single IPs;
// unparsable items are ignored.
func NewBlocklist(whitelist []string) *Blocklist {
	b := &Blocklist{entries: make(map[string]Entry)}
	for _, item := range whitelist {
		if _, n, err := net.ParseCIDR(item); err == nil {
			b.whitelist = append(b.whitelist, n)
			continue
		}
		if ip := net.ParseIP(item); ip != nil {
			bits := 128
			if ip.To4() != nil {
				bits = 32
			}
			b.whitelist = append(b.whitelist, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
		}
	}
	return b
}

// Whitelisted reports whether ip matches the whitelist.
func (b *Blocklist) Whitelisted(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range b.whitelist {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// Lookup reports whether ip is blocked at now and returns the block reason.
func (b *Blocklist) Lookup(ip string, now time.Time) (bool, string) {
	if b.Whitelisted(ip) {
		return false, ""
	}
	b.mu.RLock()
	e, ok := b.entries[ip]
	b.mu.RUnlock()
	if !ok || now.After(e.ExpiresAt) {
		return false, ""
	}
	return true, e.Reason
}

// Add blocks an address. Whitelisted addresses are ignored.
func (b *Blocklist) Add(e Entry) {
	if b.Whitelisted(e.IP) {
		return
	}
	b.mu.Lock()
	b.entries[e.IP] = e
	b.mu.Unlock()
}

// Remove unblocks an address.
func (b *Blocklist) Remove(ip string) {
	b.mu.Lock()
	delete(b.entries, ip)
	b.mu.Unlock()
}

// Expire drops the entries expired at now and returns how many it dropped.
func (b *Blocklist) Expire(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for ip, e := range b.entries {
		if now.After(e.ExpiresAt) {
			delete(b.entries, ip)
			n++
		}
	}
	return n
}

// Entries returns the entries sorted by address.
func (b *Blocklist) Entries() []Entry {
	b.mu.RLock()
	out := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// Count returns the number of entries, expired ones included until the next
// Expire.
func (b *Blocklist) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Load merges the unexpired entries of a saved blocklist. A missing file is
// not an error.
func (b *Blocklist) Load(path string) error {
	var entries []Entry
	if err := fileutil.ReadJSON(path, &entries); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	now := time.Now()
	for _, e := range entries {
		if now.Before(e.ExpiresAt) {
			b.Add(e)
		}
	}
	return nil
}

// Save writes the blocklist atomically.
func (b *Blocklist) Save(path string) error {
	return fileutil.WriteJSONAtomic(path, b.Entries(), 0o600)
}
