package signal

import (
	"sync"
	"time"

	"github.com/SB-IM/rendezvous/internal/signal/wire"
)

// Participant is the supervisor's handle on one signaling channel. The
// channel owns its connection exclusively; the session table only routes
// through this narrow surface. Deliver and Shutdown never block on network
// I/O, so they are safe to call while holding the table lock.
type Participant interface {
	// ID identifies the participant in logs and events.
	ID() string
	// Deliver enqueues one message for sending. Per-participant delivery
	// order follows enqueue order.
	Deliver(m wire.Message) error
	// Shutdown instructs the channel to flush queued messages and close.
	// It is idempotent.
	Shutdown(reason string)
}

// phase is the per-session state machine. There is no explicit Empty state:
// an absent table entry is the empty session.
type phase int

const (
	phaseWaiting phase = iota + 1
	phasePaired
	phaseClosing
)

func (p phase) String() string {
	switch p {
	case phaseWaiting:
		return "waiting"
	case phasePaired:
		return "paired"
	case phaseClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// session is one table entry. Fields are guarded by the entry's own lock,
// so work on one session never waits on another; methods here must only be
// called while it is held.
type session struct {
	mu sync.Mutex

	id    wire.SessionID
	phase phase

	// dead marks an entry that has been removed from the table. A loader
	// that finds a dead entry lost a race with teardown and must retry.
	dead bool

	first  Participant
	second Participant

	// established tracks which participant ids confirmed a direct link.
	established map[string]bool

	// pending holds messages queued while waiting for a counterpart,
	// bounded by SessionConfigOptions.PendingLimit.
	pending []wire.Message

	lastActive   time.Time
	closingSince time.Time
}

func newSession(id wire.SessionID, p Participant, now time.Time) *session {
	return &session{
		id:          id,
		phase:       phaseWaiting,
		first:       p,
		established: make(map[string]bool, 2),
		lastActive:  now,
	}
}

// has reports whether p is currently registered to the session.
func (s *session) has(p Participant) bool {
	return (s.first != nil && s.first.ID() == p.ID()) ||
		(s.second != nil && s.second.ID() == p.ID())
}

// other returns the counterpart of p, or nil.
func (s *session) other(p Participant) Participant {
	if s.first != nil && s.first.ID() == p.ID() {
		return s.second
	}
	if s.second != nil && s.second.ID() == p.ID() {
		return s.first
	}
	return nil
}

// drop clears p's slot and reports whether any participant remains.
func (s *session) drop(p Participant) (remaining bool) {
	if s.first != nil && s.first.ID() == p.ID() {
		s.first = nil
	}
	if s.second != nil && s.second.ID() == p.ID() {
		s.second = nil
	}
	return s.first != nil || s.second != nil
}

// participants returns the non-nil participant handles.
func (s *session) participants() []Participant {
	ps := make([]Participant, 0, 2)
	if s.first != nil {
		ps = append(ps, s.first)
	}
	if s.second != nil {
		ps = append(ps, s.second)
	}
	return ps
}

func participantIDs(ps []Participant) []string {
	ids := make([]string, 0, len(ps))
	for _, p := range ps {
		ids = append(ids, p.ID())
	}
	return ids
}
