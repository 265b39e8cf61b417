package activity

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"presence-service/internal/domain"
)

// EntryKind tags a feed entry
type EntryKind string

const (
	EntryJoined EntryKind = "joined"
	EntryLeft   EntryKind = "left"
	EntrySystem EntryKind = "system"
)

// DefaultFeedCapacity is the number of entries a Feed keeps
const DefaultFeedCapacity = 10

// Entry is one line of the activity feed. At is when the change was
// observed, not when it happened.
type Entry struct {
	Kind    EntryKind `json:"kind"`
	UserID  uuid.UUID `json:"userId,omitempty"`
	Label   string    `json:"label,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Feed derives join and leave entries by diffing successive snapshots of the
// same workspace.
type Feed struct {
	mu       sync.Mutex
	capacity int
	seen     bool
	previous map[uuid.UUID]string
	entries  []Entry
}

// NewFeed creates a Feed holding at most capacity entries. A non-positive
// capacity uses DefaultFeedCapacity.
func NewFeed(capacity int) *Feed {
	if capacity <= 0 {
		capacity = DefaultFeedCapacity
	}
	return &Feed{capacity: capacity}
}

// Observe diffs current against the previous snapshot and returns the entries
// it added, newest first. The first call reports a single summary entry
// instead of one join per participant.
func (f *Feed) Observe(current []domain.Presence, at time.Time) []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := make(map[uuid.UUID]string, len(current))
	for i := range current {
		next[current[i].UserID] = current[i].Label()
	}

	var added []Entry
	if !f.seen {
		f.seen = true
		if n := len(next); n > 0 {
			added = append(added, Entry{
				Kind:    EntrySystem,
				Message: onlineMessage(n),
				At:      at,
			})
		}
	} else {
		for _, id := range sortedKeys(next) {
			if _, ok := f.previous[id]; !ok {
				added = append(added, Entry{
					Kind:    EntryJoined,
					UserID:  id,
					Label:   next[id],
					Message: next[id] + " joined",
					At:      at,
				})
			}
		}
		for _, id := range sortedKeys(f.previous) {
			if _, ok := next[id]; !ok {
				added = append(added, Entry{
					Kind:    EntryLeft,
					UserID:  id,
					Label:   f.previous[id],
					Message: f.previous[id] + " left",
					At:      at,
				})
			}
		}
	}
	f.previous = next

	if len(added) > 0 {
		f.entries = append(added, f.entries...)
		if len(f.entries) > f.capacity {
			f.entries = f.entries[:f.capacity]
		}
	}
	return added
}

// Entries returns the feed, newest first.
func (f *Feed) Entries() []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Entry, len(f.entries))
	copy(out, f.entries)
	return out
}

func onlineMessage(n int) string {
	if n == 1 {
		return "1 collaborator online"
	}
	return fmt.Sprintf("%d collaborators online", n)
}

func sortedKeys(m map[uuid.UUID]string) []uuid.UUID {
	keys := make([]uuid.UUID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
