package bridge

// replyEntry correlates one mesh packet with the chat message that
// mirrors it, in either direction.
type replyEntry struct {
	meshID    uint32
	chatMsgID string
	nodeID    string
	private   bool
}

// replyRing remembers the most recent correlations so replies thread
// across the bridge. Memory is bounded: once full, the oldest entry is
// overwritten.
type replyRing struct {
	entries []replyEntry
	next    int
	full    bool
}

func newReplyRing(capacity int) *replyRing {
	if capacity <= 0 {
		capacity = 500
	}
	return &replyRing{entries: make([]replyEntry, capacity)}
}

func (r *replyRing) add(e replyEntry) {
	r.entries[r.next] = e
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

// byMesh looks up the entry for a mesh packet id, newest first.
func (r *replyRing) byMesh(meshID uint32) (replyEntry, bool) {
	if meshID == 0 {
		return replyEntry{}, false
	}
	return r.find(func(e replyEntry) bool { return e.meshID == meshID })
}

// byChat looks up the entry for a chat message id, newest first.
func (r *replyRing) byChat(chatMsgID string) (replyEntry, bool) {
	if chatMsgID == "" {
		return replyEntry{}, false
	}
	return r.find(func(e replyEntry) bool { return e.chatMsgID == chatMsgID })
}

func (r *replyRing) find(match func(replyEntry) bool) (replyEntry, bool) {
	n := r.next
	if r.full {
		n = len(r.entries)
	}
	// Scan backwards from the most recent write.
	for i := 0; i < n; i++ {
		idx := r.next - 1 - i
		if idx < 0 {
			idx += len(r.entries)
		}
		if match(r.entries[idx]) {
			return r.entries[idx], true
		}
	}
	return replyEntry{}, false
}

func (r *replyRing) len() int {
	if r.full {
		return len(r.entries)
	}
	return r.next
}
