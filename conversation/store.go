package conversation

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ActivityObserver receives activity-log changes. updated is true when an
// existing partial entry was mutated in place rather than appended.
type ActivityObserver func(a Activity, updated bool)

// Store holds the two parallel logs of one task: the model-facing
// conversation log (replayed to the AI client every turn) and the UI-facing
// activity log (partial-update-aware feed for observers). The store is
// exclusively owned by the task's orchestrator; no other component mutates
// it directly.
type Store struct {
	mu       sync.Mutex
	taskID   string
	entries  []Entry
	activity []Activity
	observer ActivityObserver
}

// NewStore creates an empty store for the given task
func NewStore(taskID string) *Store {
	return &Store{taskID: taskID}
}

// TaskID returns the owning task's ID
func (s *Store) TaskID() string {
	return s.taskID
}

// OnActivity registers the single activity observer. Must be set before the
// orchestrator starts mutating the store.
func (s *Store) OnActivity(fn ActivityObserver) {
	s.mu.Lock()
	s.observer = fn
	s.mu.Unlock()
}

// AppendEntry appends an entry to the model-facing log. Entries are
// append-only and never reordered.
func (s *Store) AppendEntry(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
}

// Entries returns a copy of the model-facing log
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// LastEntry returns the most recent model-facing entry
func (s *Store) LastEntry() (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return Entry{}, false
	}
	return s.entries[len(s.entries)-1], true
}

// RemoveLastEntry drops the most recent model-facing entry. Used only during
// resume to discard a trailing entry describing an unresolved in-flight tool
// call; never called mid-task.
func (s *Store) RemoveLastEntry() (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return Entry{}, false
	}
	last := s.entries[len(s.entries)-1]
	s.entries = s.entries[:len(s.entries)-1]
	return last, true
}

// Say appends a finalized informational activity entry
func (s *Store) Say(subtype, text string) Activity {
	a := Activity{
		ID:        uuid.New().String(),
		Kind:      KindSay,
		Subtype:   subtype,
		Text:      text,
		Timestamp: time.Now(),
	}
	s.mu.Lock()
	s.activity = append(s.activity, a)
	observer := s.observer
	s.mu.Unlock()
	if observer != nil {
		observer(a, false)
	}
	return a
}

// Ask appends a finalized ask activity entry (the blocking wait itself lives
// in the approval gate; this records the question in the activity log)
func (s *Store) Ask(subtype, text string) Activity {
	a := Activity{
		ID:        uuid.New().String(),
		Kind:      KindAsk,
		Subtype:   subtype,
		Text:      text,
		Timestamp: time.Now(),
	}
	s.mu.Lock()
	s.activity = append(s.activity, a)
	observer := s.observer
	s.mu.Unlock()
	if observer != nil {
		observer(a, false)
	}
	return a
}

// UpdatePartial creates or updates the trailing partial activity entry for
// (kind, subtype). At most one trailing entry per (kind, subtype) is partial
// at a time: if the last matching entry is still partial its text is replaced
// in place, otherwise a new partial entry is appended.
func (s *Store) UpdatePartial(kind ActivityKind, subtype, text string) Activity {
	s.mu.Lock()
	for i := len(s.activity) - 1; i >= 0; i-- {
		a := &s.activity[i]
		if a.Kind == kind && a.Subtype == subtype {
			if a.Partial {
				a.Text = text
				out := *a
				observer := s.observer
				s.mu.Unlock()
				if observer != nil {
					observer(out, true)
				}
				return out
			}
			break
		}
	}
	a := Activity{
		ID:        uuid.New().String(),
		Kind:      kind,
		Subtype:   subtype,
		Text:      text,
		Partial:   true,
		Timestamp: time.Now(),
	}
	s.activity = append(s.activity, a)
	observer := s.observer
	s.mu.Unlock()
	if observer != nil {
		observer(a, false)
	}
	return a
}

// Finalize completes the trailing partial entry for (kind, subtype), setting
// its final text. If no partial entry exists a finalized one is appended.
func (s *Store) Finalize(kind ActivityKind, subtype, text string) Activity {
	s.mu.Lock()
	for i := len(s.activity) - 1; i >= 0; i-- {
		a := &s.activity[i]
		if a.Kind == kind && a.Subtype == subtype && a.Partial {
			a.Partial = false
			if text != "" {
				a.Text = text
			}
			out := *a
			observer := s.observer
			s.mu.Unlock()
			if observer != nil {
				observer(out, true)
			}
			return out
		}
	}
	s.mu.Unlock()
	if kind == KindAsk {
		return s.Ask(subtype, text)
	}
	return s.Say(subtype, text)
}

// FinalizeAll flips every remaining partial activity entry to final. Called
// at stream end so no streaming artifacts survive the turn.
func (s *Store) FinalizeAll() {
	s.mu.Lock()
	var changed []Activity
	for i := range s.activity {
		if s.activity[i].Partial {
			s.activity[i].Partial = false
			changed = append(changed, s.activity[i])
		}
	}
	observer := s.observer
	s.mu.Unlock()
	if observer != nil {
		for _, a := range changed {
			observer(a, true)
		}
	}
}

// Activities returns a copy of the activity log
func (s *Store) Activities() []Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Activity, len(s.activity))
	copy(out, s.activity)
	return out
}

// LastActivity returns the most recent activity entry matching kind and
// subtype, if any
func (s *Store) LastActivity(kind ActivityKind, subtype string) (Activity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.activity) - 1; i >= 0; i-- {
		if s.activity[i].Kind == kind && s.activity[i].Subtype == subtype {
			return s.activity[i], true
		}
	}
	return Activity{}, false
}

// Snapshot returns copies of both logs for persistence at a turn boundary
func (s *Store) Snapshot() ([]Entry, []Activity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]Entry, len(s.entries))
	copy(entries, s.entries)
	activity := make([]Activity, len(s.activity))
	copy(activity, s.activity)
	return entries, activity
}

// Restore replaces both logs with previously persisted state
func (s *Store) Restore(entries []Entry, activity []Activity) {
	s.mu.Lock()
	s.entries = append([]Entry(nil), entries...)
	s.activity = append([]Activity(nil), activity...)
	s.mu.Unlock()
}
