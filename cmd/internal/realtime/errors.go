package realtime

import "errors"

var (
	// ErrUnknownSession is returned by a Directory for a session that does not exist.
	ErrUnknownSession = errors.New("realtime: unknown session")
	// ErrSessionExpired is returned by a Directory for a session past its expiry.
	ErrSessionExpired = errors.New("realtime: session expired")
	// ErrCatchUpTimeout is reported when catch-up does not complete in time.
	ErrCatchUpTimeout = errors.New("realtime: catch-up timed out")
	// ErrSnapshotUnreadable is reported when a stored canvas cannot be decoded.
	ErrSnapshotUnreadable = errors.New("realtime: stored snapshot unreadable")
	// ErrRelayClosed is returned once the relay loop has stopped.
	ErrRelayClosed = errors.New("realtime: relay closed")

	errEmptyPayload = errors.New("realtime: empty payload")
)

// joinFailed codes.
const (
	codeUnknownSession = "unknown_session"
	codeSessionExpired = "session_expired"
	codeStoreError     = "store_error"
	codeTimeout        = "timeout"
	codeNotJoined      = "not_joined"
	codeInvalidSession = "invalid_session"
)

func joinFailureCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownSession):
		return codeUnknownSession
	case errors.Is(err, ErrSessionExpired):
		return codeSessionExpired
	case errors.Is(err, ErrCatchUpTimeout):
		return codeTimeout
	default:
		return codeStoreError
	}
}
