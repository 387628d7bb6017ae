package chunk

import (
	"strings"
	"sync"
	"time"
)

// DefaultGroupTimeout is how long an incomplete chunk group is kept
// before its partial content is discarded.
const DefaultGroupTimeout = 5 * time.Minute

type group struct {
	total   int
	parts   map[int]string
	firstAt time.Time
}

// Assembler buffers multi-part messages until all parts arrive. Parts
// may arrive in any order and duplicates are ignored. Incomplete groups
// expire after the timeout; nothing partial is ever delivered.
type Assembler struct {
	mu      sync.Mutex
	groups  map[string]*group
	timeout time.Duration
}

func NewAssembler(timeout time.Duration) *Assembler {
	if timeout <= 0 {
		timeout = DefaultGroupTimeout
	}
	return &Assembler{
		groups:  make(map[string]*group),
		timeout: timeout,
	}
}

// Absorb feeds one part for the given group key (sender plus channel,
// so concurrent senders never mix). It returns the full text and true
// once every part of the group is present.
func (a *Assembler) Absorb(groupKey string, p Part, now time.Time) (string, bool) {
	if p.Total <= 1 {
		return p.Payload, true
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	g, ok := a.groups[groupKey]
	if !ok || g.total != p.Total {
		// A fresh total supersedes any stale buffered group.
		g = &group{total: p.Total, parts: make(map[int]string), firstAt: now}
		a.groups[groupKey] = g
	}
	if _, dup := g.parts[p.Index]; !dup {
		g.parts[p.Index] = p.Payload
	}

	if len(g.parts) < g.total {
		return "", false
	}

	var b strings.Builder
	for i := 1; i <= g.total; i++ {
		b.WriteString(g.parts[i])
	}
	delete(a.groups, groupKey)
	return b.String(), true
}

// Sweep drops groups older than the timeout and returns how many were
// discarded.
func (a *Assembler) Sweep(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	dropped := 0
	for key, g := range a.groups {
		if now.Sub(g.firstAt) > a.timeout {
			delete(a.groups, key)
			dropped++
		}
	}
	return dropped
}

// Pending returns the number of incomplete groups, for /status.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.groups)
}
