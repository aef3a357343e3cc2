package developerjoe

import (
	"errors"
)

// Recoverable error kinds surfaced by the core. The presentation layer
// (slash command handlers, API) matches these with errors.Is and decides
// what to tell the end user - none of them should ever crash the process.
var (
	// ErrBackendUnavailable indicates the OpenAI API returned a 5xx or is
	// otherwise down. Retryable by the caller; the core never retries.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBackendRateLimited indicates the OpenAI API returned 429.
	ErrBackendRateLimited = errors.New("backend rate limited")

	// ErrBackendInvalidRequest indicates the OpenAI API rejected the
	// request as malformed (4xx other than 429).
	ErrBackendInvalidRequest = errors.New("backend rejected request")

	// ErrBackendConnection indicates the request never produced a
	// structured API response (DNS, TLS, timeouts, ...).
	ErrBackendConnection = errors.New("backend connection failed")

	// ErrContentFiltered indicates the reply was cut off by the backend's
	// content filter. The in-flight exchange is discarded, but the session
	// stays usable.
	ErrContentFiltered = errors.New("response flagged by content filter")

	// ErrLengthLimitReached indicates the model hit its token limit. The
	// session is permanently disabled for new asks.
	ErrLengthLimitReached = errors.New("conversation token limit reached")

	// ErrMalformedStreamRecord is fatal to the current stream: a record
	// could not be decoded. Content already emitted stays emitted, but
	// nothing is committed to history.
	ErrMalformedStreamRecord = errors.New("malformed stream record")

	ErrSessionNotFound      = errors.New("no chat with that name")
	ErrSessionNameConflict  = errors.New("a chat with that name already exists")
	ErrSessionNameTooLong   = errors.New("chat name too long")
	ErrSessionLimitExceeded = errors.New("chat limit reached")

	// ErrSessionProcessing is returned synchronously when an ask arrives
	// while another ask on the same session is still in flight.
	ErrSessionProcessing = errors.New("still processing the last request")

	// ErrSessionDisabled is returned for mutating operations on a session
	// that has been disabled by a length-limit stop.
	ErrSessionDisabled = errors.New("chat is disabled")

	ErrPermissionDenied = errors.New("your role may not use this model")
	ErrModelNotFound    = errors.New("unknown model")

	// ErrModelNeverLocked is returned when revoking a role from a model
	// that has no lock record at all.
	ErrModelNeverLocked = errors.New("model has never been locked")

	ErrHistoryNotFound = errors.New("no transcript with that ID")
)
