// Package errs defines the agent's closed error taxonomy.
//
// Every component returns one of these sentinels (wrapped with context via
// fmt.Errorf("...: %w", ...)) rather than ad-hoc strings, so callers can
// branch on category with errors.Is/errors.As instead of string matching.
package errs

import "errors"

var (
	// ErrConfig marks a malformed or unreadable configuration document.
	// Fatal at startup; recoverable at runtime (the caller keeps its last
	// good in-memory snapshot).
	ErrConfig = errors.New("config error")

	// ErrUnconfigured marks a missing agent_id/controller_identifier/etc.
	// The main loop idles rather than treating this as a transient failure.
	ErrUnconfigured = errors.New("agent is not configured")

	// ErrDiscoveryUnavailable marks a multicast backend failure distinct
	// from an exhausted search window.
	ErrDiscoveryUnavailable = errors.New("discovery backend unavailable")

	// ErrControllerNotFound marks an exhausted discovery search window.
	ErrControllerNotFound = errors.New("controller not found")

	// ErrParentUnverified marks a failed trust handshake. See the Reason
	// field for the discriminating cause; policy state is never mutated
	// when this is returned.
	ErrParentUnverified = errors.New("controller unverified")

	// ErrTransport marks a per-attempt network-level failure.
	ErrTransport = errors.New("transport error")

	// ErrProtocol marks a per-attempt malformed-response failure.
	ErrProtocol = errors.New("protocol error")

	// ErrChecksumMismatch marks an artifact deploy whose decoded source
	// does not hash to the supplied checksum.
	ErrChecksumMismatch = errors.New("checksum verification failed")

	// ErrUnsupportedPlatform marks an artifact deploy rejected because
	// the running platform is not in the artifact's platform set.
	ErrUnsupportedPlatform = errors.New("unsupported platform")

	// ErrInvalidEncoding marks an artifact deploy whose source could not
	// be base64-decoded.
	ErrInvalidEncoding = errors.New("invalid source encoding")

	// ErrScriptTimeout marks a script evaluation that exceeded its
	// wall-clock budget.
	ErrScriptTimeout = errors.New("script timed out")

	// ErrScriptMemory marks a script evaluation that exceeded its memory
	// ceiling (best-effort, see internal/scripthost).
	ErrScriptMemory = errors.New("script exceeded memory ceiling")

	// ErrScriptRuntime marks any other script evaluation failure.
	ErrScriptRuntime = errors.New("script runtime error")

	// ErrOSAdapter marks a failure enumerating or terminating processes.
	// The affected policy tick is skipped; the agent continues.
	ErrOSAdapter = errors.New("os adapter error")

	// ErrCommandDispatch marks a failure processing a pulled command.
	// Reported back to the controller; not retried unless resent with a
	// different id.
	ErrCommandDispatch = errors.New("command dispatch error")
)

// VerificationReason discriminates the cause of an ErrParentUnverified.
type VerificationReason string

const (
	ReasonNoPinnedKey       VerificationReason = "no_pinned_key"
	ReasonNetworkError      VerificationReason = "network_error"
	ReasonMalformedResponse VerificationReason = "malformed_response"
	ReasonClockSkew         VerificationReason = "clock_skew"
	ReasonStaleChallenge    VerificationReason = "stale_challenge"
	ReasonSignatureMismatch VerificationReason = "signature_mismatch"
)

// VerificationError wraps ErrParentUnverified with a discriminating reason
// and satisfies errors.Is(err, ErrParentUnverified).
type VerificationError struct {
	Reason VerificationReason
	Cause  error
}

func (e *VerificationError) Error() string {
	if e.Cause != nil {
		return "controller unverified (" + string(e.Reason) + "): " + e.Cause.Error()
	}
	return "controller unverified (" + string(e.Reason) + ")"
}

func (e *VerificationError) Unwrap() error { return ErrParentUnverified }

// ScriptCategory is a compact classification of a script failure, derived
// from a message-keyword classifier (see classify in internal/scripthost).
type ScriptCategory string

const (
	CategoryTimeout           ScriptCategory = "timeout"
	CategoryPermissionDenied  ScriptCategory = "permission_denied"
	CategoryResourceNotFound  ScriptCategory = "resource_not_found"
	CategoryUnknown           ScriptCategory = "unknown"
)
