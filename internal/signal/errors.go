package signal

import "errors"

// Supervisor contract errors. They are reported to the offending client
// only and never affect other sessions.
var (
	// ErrSessionFull rejects a third registration to a paired session.
	ErrSessionFull = errors.New("signal: session already has two participants")
	// ErrUnknownSession rejects relay on a session id with no live entry.
	ErrUnknownSession = errors.New("signal: unknown session")
	// ErrNotParticipant rejects relay from a channel that is not part of
	// the addressed session.
	ErrNotParticipant = errors.New("signal: sender is not a session participant")
	// ErrNoCounterpart reports that the session has no second participant
	// yet. The message may still have been queued for later flush.
	ErrNoCounterpart = errors.New("signal: no counterpart in session")
	// ErrPendingOverflow rejects queuing beyond the configured bound while
	// a session is waiting for its counterpart.
	ErrPendingOverflow = errors.New("signal: pending message buffer is full")
	// ErrSessionClosing rejects relay once teardown has begun.
	ErrSessionClosing = errors.New("signal: session is closing")
)
