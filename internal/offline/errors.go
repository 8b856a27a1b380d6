package offline

import (
	"encoding/json"
	"errors"
)

// Kind classifies a failure for the sync pipeline.
type Kind int

const (
	// KindTransient is retried with backoff (network, 5xx, timeouts).
	KindTransient Kind = iota
	// KindAuth aborts the pass and leaves data untouched.
	KindAuth
	// KindConflict is routed to the conflict resolver.
	KindConflict
	// KindPermanent marks the mutation dead until fixed by hand.
	KindPermanent
	// KindStorage means the local store is unavailable.
	KindStorage
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindConflict:
		return "conflict"
	case KindPermanent:
		return "permanent"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Sentinel errors, one per Kind. Check them with errors.Is:
//
//	if errors.Is(err, offline.ErrAuth) {
//	    // ask the host for fresh credentials
//	}
var (
	ErrTransient = errors.New("transient network error")
	ErrAuth      = errors.New("authentication required")
	ErrConflict  = errors.New("domain conflict")
	ErrPermanent = errors.New("permanent validation error")
	ErrStorage   = errors.New("local storage unavailable")
)

var kindSentinels = map[Kind]error{
	KindTransient: ErrTransient,
	KindAuth:      ErrAuth,
	KindConflict:  ErrConflict,
	KindPermanent: ErrPermanent,
	KindStorage:   ErrStorage,
}

// Error is the structured error carried through the sync pipeline.
type Error struct {
	Kind       Kind
	Op         string
	Entity     EntityType
	MutationID string
	// Remote holds the server's version of the record for conflicts.
	Remote json.RawMessage
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Entity != "" {
		msg += " (" + string(e.Entity) + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// NewError builds an *Error of the given kind.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient wraps err as a transient failure.
func Transient(op string, err error) error { return NewError(KindTransient, op, err) }

// Permanent wraps err as a permanent validation failure.
func Permanent(op string, err error) error { return NewError(KindPermanent, op, err) }

// Storage wraps err as a storage failure.
func Storage(op string, err error) error { return NewError(KindStorage, op, err) }

// Auth wraps err as an authentication failure.
func Auth(op string, err error) error { return NewError(KindAuth, op, err) }

// Conflict wraps err as a conflict carrying the server's record.
func Conflict(op string, remote json.RawMessage, err error) error {
	e := NewError(KindConflict, op, err)
	e.Remote = remote
	return e
}

// KindOf classifies err. Unknown errors are treated as transient so a bug in
// a collaborator never kills a mutation outright.
func KindOf(err error) Kind {
	if err == nil {
		return KindTransient
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindTransient
}

// RemoteOf returns the server record attached to a conflict error.
func RemoteOf(err error) json.RawMessage {
	var e *Error
	if errors.As(err, &e) {
		return e.Remote
	}
	return nil
}

// WithMutation annotates err with the entity and mutation it belongs to.
func WithMutation(err error, entity EntityType, mutationID string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		cp.Entity = entity
		cp.MutationID = mutationID
		return &cp
	}
	return &Error{Kind: KindOf(err), Entity: entity, MutationID: mutationID, Err: err}
}

// ErrSyncAborted is wrapped around pass-level aborts.
var ErrSyncAborted = errors.New("sync pass aborted")
