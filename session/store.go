package session

import (
	"sync"
	"sync/atomic"

	"github.com/tobyprime/VerificationBot/model"
)

// entry is the live record behind a Session snapshot. Only the store touches state.
type entry struct {
	base  model.Session
	state atomic.Int32
	// resolved is closed by the winner of the resolution race.
	resolved chan struct{}

	// mu protects the notice references.
	mu            sync.Mutex
	groupNotice   model.MessageRef
	privateNotice *model.MessageRef
}

func (e *entry) snapshot() model.Session {
	s := e.base
	s.State = model.State(e.state.Load())
	e.mu.Lock()
	s.GroupNotice = e.groupNotice
	if e.privateNotice != nil {
		ref := *e.privateNotice
		s.PrivateNotice = &ref
	}
	e.mu.Unlock()
	return s
}

// Store keeps at most one active verification session per user.
// Operations on one user never block operations on another.
type Store struct {
	m sync.Map // int64 -> *entry
}

func NewStore() *Store {
	return &Store{}
}

// Create inserts a new pending session, or fails with model.ErrAlreadyPending
// if the user already has one.
func (s *Store) Create(sess model.Session) (model.Session, error) {
	e := &entry{
		base:          sess,
		resolved:      make(chan struct{}),
		groupNotice:   sess.GroupNotice,
		privateNotice: sess.PrivateNotice,
	}
	e.base.State = model.StatePending
	e.base.GroupNotice = model.MessageRef{}
	e.base.PrivateNotice = nil
	e.state.Store(int32(model.StatePending))
	if _, loaded := s.m.LoadOrStore(sess.UserID, e); loaded {
		return model.Session{}, model.ErrAlreadyPending
	}
	return e.snapshot(), nil
}

func (s *Store) load(userID int64, code string) (*entry, bool) {
	v, ok := s.m.Load(userID)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	if code != "" && e.base.Code != code {
		return nil, false
	}
	return e, true
}

// Get returns the pending session of the user. Sessions that have been resolved
// are reported as model.ErrNotFound even before they are removed.
func (s *Store) Get(userID int64) (model.Session, error) {
	e, ok := s.load(userID, "")
	if !ok {
		return model.Session{}, model.ErrNotFound
	}
	snap := e.snapshot()
	if snap.State != model.StatePending {
		return model.Session{}, model.ErrNotFound
	}
	return snap, nil
}

// peek returns the session whatever its state.
func (s *Store) peek(userID int64, code string) (model.Session, bool) {
	e, ok := s.load(userID, code)
	if !ok {
		return model.Session{}, false
	}
	return e.snapshot(), true
}

// TryResolve moves the session of the user from pending to target and reports
// whether this caller won. code pins the call to one specific session so that a
// stale watchdog can never resolve a newer session of the same user; an empty
// code matches any session.
func (s *Store) TryResolve(userID int64, code string, target model.State) bool {
	if !target.Terminal() {
		return false
	}
	e, ok := s.load(userID, code)
	if !ok {
		return false
	}
	if !e.state.CompareAndSwap(int32(model.StatePending), int32(target)) {
		return false
	}
	close(e.resolved)
	return true
}

// Resolved returns a channel closed once the session has left the pending state.
func (s *Store) Resolved(userID int64, code string) (<-chan struct{}, bool) {
	e, ok := s.load(userID, code)
	if !ok {
		return nil, false
	}
	return e.resolved, true
}

// Remove deletes the session of the user. With a non-empty code only that
// exact session is deleted.
func (s *Store) Remove(userID int64, code string) {
	e, ok := s.load(userID, code)
	if !ok {
		return
	}
	s.m.CompareAndDelete(userID, e)
}

// pendingLocked reports whether e can still take notice references.
// The resolver snapshots the references under e.mu after winning, so a
// reference stored while e.mu is held and the state is pending is always
// seen by the cleanup of the session.
func (e *entry) pendingLocked() bool {
	return model.State(e.state.Load()) == model.StatePending
}

// SetGroupNotice records the public join notice of a pending session.
// It fails once the session has been resolved.
func (s *Store) SetGroupNotice(userID int64, code string, ref model.MessageRef) bool {
	e, ok := s.load(userID, code)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.pendingLocked() {
		return false
	}
	e.groupNotice = ref
	return true
}

// SwapPrivateNotice records the latest private reminder of a pending session
// and returns the one it replaces. It fails once the session has been resolved.
func (s *Store) SwapPrivateNotice(userID int64, code string, ref model.MessageRef) (old *model.MessageRef, ok bool) {
	e, ok := s.load(userID, code)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.pendingLocked() {
		return nil, false
	}
	old = e.privateNotice
	e.privateNotice = &ref
	return old, true
}

// Range calls f for every session currently in the store.
func (s *Store) Range(f func(sess model.Session) bool) {
	s.m.Range(func(_, v any) bool {
		return f(v.(*entry).snapshot())
	})
}

// Len returns the number of sessions in the store.
func (s *Store) Len() int {
	n := 0
	s.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
