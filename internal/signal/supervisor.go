package signal

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/SB-IM/rendezvous/internal/signal/wire"
)

// Supervisor owns the session table and enforces pairing and teardown
// policy. The table is the only shared mutable state in the service.
// Entries are held in a sync.Map and each carries its own lock, so work on
// one session never waits on another; every critical section is short and
// anything touching the network goes through Participant handles after the
// entry lock is released.
type Supervisor struct {
	logger zerolog.Logger
	events EventSink
	config SessionConfigOptions

	// sessions maps wire.SessionID to *session.
	sessions sync.Map
}

// NewSupervisor returns a supervisor with the given policy. A nil events
// sink disables lifecycle publishing.
func NewSupervisor(logger *zerolog.Logger, events EventSink, config SessionConfigOptions) *Supervisor {
	l := logger.With().Str("component", "supervisor").Logger()
	if events == nil {
		events = nopSink{}
	}
	return &Supervisor{
		logger: l,
		events: events,
		config: config.withDefaults(),
	}
}

// Register adds p under sid. The first registration creates a waiting
// session; the second pairs it, notifies both sides with a Ready frame and
// flushes any queued messages to the newcomer in their original order. A
// third registration fails with ErrSessionFull and leaves the pair alone.
//
// A session id whose previous session reached teardown is a fresh key:
// the old entry is gone from the table, so re-registration starts over.
func (sv *Supervisor) Register(sid wire.SessionID, p Participant) (paired bool, err error) {
	for {
		actual, loaded := sv.sessions.LoadOrStore(sid, newSession(sid, p, time.Now()))
		if !loaded {
			sv.logger.Debug().Str("session", sid.String()).Str("participant", p.ID()).Msg("session created, waiting for counterpart")
			return false, nil
		}
		s := actual.(*session)

		s.mu.Lock()
		if s.dead {
			// Lost a race with teardown; the entry is about to vanish.
			s.mu.Unlock()
			continue
		}
		if s.phase != phaseWaiting {
			s.mu.Unlock()
			return false, ErrSessionFull
		}
		s.second = p
		s.phase = phasePaired
		s.lastActive = time.Now()
		counterpart := s.first
		pending := s.pending
		s.pending = nil

		// The newcomer's ready frame and queued backlog go out while the
		// entry is still locked: a relay racing the pairing would otherwise
		// reach the newcomer ahead of its backlog. Deliver never blocks, so
		// enqueueing under the lock is safe.
		ready := wire.Message{Type: wire.TypeReady, Session: sid}
		sv.deliver(p, ready)
		for _, m := range pending {
			sv.deliver(p, m)
		}
		s.mu.Unlock()

		sv.deliver(counterpart, ready)
		sv.logger.Info().
			Str("session", sid.String()).
			Int("flushed", len(pending)).
			Msg("session paired")
		sv.events.Publish(Event{
			Name:         EventPaired,
			Session:      sid.String(),
			Participants: []string{counterpart.ID(), p.ID()},
			Timestamp:    time.Now(),
		})
		return true, nil
	}
}

// Relay validates that from belongs to sid and returns the counterpart
// handle for the caller to forward the message to. While the session is
// still waiting the message is queued (bounded) for flush at pairing time
// and ErrNoCounterpart is returned so the sender can be told nothing was
// relayed yet.
func (sv *Supervisor) Relay(sid wire.SessionID, from Participant, m wire.Message) (Participant, error) {
	s, ok := sv.load(sid)
	if !ok {
		return nil, ErrUnknownSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return nil, ErrUnknownSession
	}
	if !s.has(from) {
		return nil, ErrNotParticipant
	}
	switch s.phase {
	case phaseWaiting:
		if len(s.pending) >= sv.config.PendingLimit {
			return nil, ErrPendingOverflow
		}
		s.pending = append(s.pending, m)
		s.lastActive = time.Now()
		return nil, ErrNoCounterpart
	case phasePaired:
		s.lastActive = time.Now()
		return s.other(from), nil
	default:
		// No relay once teardown has begun.
		return nil, ErrSessionClosing
	}
}

// ReportEstablished marks that from confirmed a direct link. Only when both
// participants have reported does the session enter closing, at which point
// both channels are instructed to shut down. One-sided confirmation leaves
// the channels open.
func (sv *Supervisor) ReportEstablished(sid wire.SessionID, from Participant) error {
	s, ok := sv.load(sid)
	if !ok {
		return ErrUnknownSession
	}

	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return ErrUnknownSession
	}
	if !s.has(from) {
		s.mu.Unlock()
		return ErrNotParticipant
	}
	if s.phase != phasePaired {
		s.mu.Unlock()
		return ErrNoCounterpart
	}
	s.established[from.ID()] = true
	s.lastActive = time.Now()
	if len(s.established) < 2 {
		s.mu.Unlock()
		sv.logger.Debug().Str("session", sid.String()).Str("participant", from.ID()).Msg("one side established, waiting for the other")
		return nil
	}
	s.phase = phaseClosing
	s.closingSince = time.Now()
	ps := s.participants()
	s.mu.Unlock()

	sv.logger.Info().Str("session", sid.String()).Msg("both sides established, closing signaling channels")
	for _, p := range ps {
		p.Shutdown("direct link established")
	}
	return nil
}

// Unregister removes p from sid, called exactly once by a channel when it
// dies for any reason. The last participant out removes the entry. Losing
// one half of a paired session abandons it: the counterpart is notified
// and shut down, since a one-to-one session cannot be rejoined.
func (sv *Supervisor) Unregister(sid wire.SessionID, p Participant) {
	s, ok := sv.load(sid)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.dead || !s.has(p) {
		s.mu.Unlock()
		return
	}
	remaining := s.drop(p)
	if !remaining {
		s.dead = true
		s.mu.Unlock()
		sv.sessions.Delete(sid)
		sv.logger.Info().Str("session", sid.String()).Msg("session closed")
		sv.events.Publish(Event{Name: EventClosed, Session: sid.String(), Timestamp: time.Now()})
		return
	}
	if s.phase == phaseClosing {
		// Counterpart already told to shut down; it unregisters itself.
		s.mu.Unlock()
		return
	}
	// Abandonment: the counterpart cannot continue alone.
	counterpart := s.other(p)
	s.dead = true
	s.mu.Unlock()
	sv.sessions.Delete(sid)

	sv.logger.Info().Str("session", sid.String()).Str("participant", p.ID()).Msg("participant lost, abandoning session")
	sv.deliver(counterpart, wire.Message{
		Type:    wire.TypeError,
		Session: sid,
		Reason:  "peer disconnected",
	})
	counterpart.Shutdown("peer disconnected")
	sv.events.Publish(Event{
		Name:         EventClosed,
		Session:      sid.String(),
		Participants: []string{counterpart.ID()},
		Timestamp:    time.Now(),
	})
}

// Len reports the number of live sessions.
func (sv *Supervisor) Len() int {
	n := 0
	sv.sessions.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

func (sv *Supervisor) load(sid wire.SessionID) (*session, bool) {
	v, ok := sv.sessions.Load(sid)
	if !ok {
		return nil, false
	}
	return v.(*session), true
}

// Sweep reaps idle and stuck-closing sessions periodically until ctx is
// done. Reaping is best-effort resource reclamation, not a correctness
// mechanism.
func (sv *Supervisor) Sweep(ctx context.Context) {
	ticker := time.NewTicker(sv.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sv.sweepOnce(now)
		}
	}
}

func (sv *Supervisor) sweepOnce(now time.Time) {
	type victim struct {
		id     wire.SessionID
		ps     []Participant
		reason string
	}
	var victims []victim

	sv.sessions.Range(func(_, v interface{}) bool {
		s := v.(*session)
		s.mu.Lock()
		if s.dead {
			s.mu.Unlock()
			return true
		}
		var reason string
		if s.phase == phaseClosing {
			if now.Sub(s.closingSince) > sv.config.ClosingGrace {
				reason = "teardown grace period elapsed"
			}
		} else if now.Sub(s.lastActive) > sv.config.IdleTimeout {
			reason = "session idle"
		}
		if reason != "" {
			s.dead = true
			victims = append(victims, victim{s.id, s.participants(), reason})
		}
		s.mu.Unlock()
		return true
	})

	for _, v := range victims {
		sv.sessions.Delete(v.id)
		sv.logger.Info().Str("session", v.id.String()).Str("reason", v.reason).Msg("session reaped")
		for _, p := range v.ps {
			sv.deliver(p, wire.Message{Type: wire.TypeError, Session: v.id, Reason: v.reason})
			p.Shutdown(v.reason)
		}
		sv.events.Publish(Event{
			Name:         EventReaped,
			Session:      v.id.String(),
			Participants: participantIDs(v.ps),
			Timestamp:    time.Now(),
		})
	}
}

// deliver pushes m to p and logs delivery failures; a failed participant
// cleans itself up through Unregister.
func (sv *Supervisor) deliver(p Participant, m wire.Message) {
	if err := p.Deliver(m); err != nil {
		sv.logger.Warn().Err(err).Str("participant", p.ID()).Str("type", m.Type.String()).Msg("could not deliver message")
	}
}
