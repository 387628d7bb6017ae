// Package nodes tracks mesh node identities and their last observed
// link quality.
package nodes

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Identity is one mesh node as last seen by the bridge. Entries are
// never removed; stale nodes are harmless and useful for /pm lookups.
type Identity struct {
	NodeID    string
	ShortName string
	LongName  string
	LastSeen  time.Time
	LastSNR   float32
	LastRSSI  int
}

// Registry is a concurrency-safe node map. Device scans are
// authoritative for names; received packets only refresh the
// last-seen timestamp and signal fields.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Identity
	byName map[string]string // lowercased short name -> node id
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Identity),
		byName: make(map[string]string),
	}
}

// Upsert records a scan result. A changed short name overwrites the
// previous one and re-points the name index.
func (r *Registry) Upsert(nodeID, shortName, longName string, snr float32, rssi int, at time.Time) {
	if nodeID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byID[nodeID]
	if !ok {
		id = &Identity{NodeID: nodeID}
		r.byID[nodeID] = id
	}
	if shortName != "" && shortName != id.ShortName {
		if id.ShortName != "" {
			delete(r.byName, strings.ToLower(id.ShortName))
		}
		id.ShortName = shortName
		r.byName[strings.ToLower(shortName)] = nodeID
	}
	if longName != "" {
		id.LongName = longName
	}
	id.LastSeen = at
	id.LastSNR = snr
	id.LastRSSI = rssi
}

// Touch refreshes last-seen and signal info for a packet sender without
// touching names. Unknown ids are created so they show in /status even
// before the first scan.
func (r *Registry) Touch(nodeID string, snr float32, rssi int, at time.Time) {
	if nodeID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byID[nodeID]
	if !ok {
		id = &Identity{NodeID: nodeID}
		r.byID[nodeID] = id
	}
	id.LastSeen = at
	id.LastSNR = snr
	id.LastRSSI = rssi
}

// Resolve returns a copy of the identity for nodeID.
func (r *Registry) Resolve(nodeID string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byID[nodeID]
	if !ok {
		return Identity{}, false
	}
	return *id, true
}

// ResolveByName maps a short name (case-insensitive) to a node id.
func (r *Registry) ResolveByName(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[strings.ToLower(name)]
	return id, ok
}

// Snapshot returns copies of all identities, most recently seen first.
func (r *Registry) Snapshot() []Identity {
	r.mu.RLock()
	out := make([]Identity, 0, len(r.byID))
	for _, id := range r.byID {
		out = append(out, *id)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// Len returns the number of known nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
