// Package rcerr defines the error taxonomy shared by every subsystem in
// this module (§7 of the design). Each variant is a distinct type rather
// than a naked integer or string, so callers branch with errors.As/Is
// instead of string-matching.
package rcerr

import "fmt"

// Kind enumerates the taxonomy. It exists mainly for logging/diagnostics;
// program logic should match on the concrete error types below via
// errors.Is/As.
type Kind int

const (
	KindTimeout Kind = iota
	KindMutexBusy
	KindAsleep
	KindNotPowered
	KindBadResponse
	KindModemError
	KindInvalid
	KindOutOfMemory
	KindBusy
	KindFatal
	KindTooManyReleases
	KindTooSoon
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "Timeout"
	case KindMutexBusy:
		return "MutexBusy"
	case KindAsleep:
		return "Asleep"
	case KindNotPowered:
		return "NotPowered"
	case KindBadResponse:
		return "BadResponse"
	case KindModemError:
		return "ModemError"
	case KindInvalid:
		return "Invalid"
	case KindOutOfMemory:
		return "OutOfMemory"
	case KindBusy:
		return "Busy"
	case KindFatal:
		return "Fatal"
	case KindTooManyReleases:
		return "TooManyReleases"
	case KindTooSoon:
		return "TooSoon"
	default:
		return "Unknown"
	}
}

// Error is the single error type produced by this module. Comparisons
// across subsystems (atdriver raising BadResponse, radio catching it) use
// errors.Is against the sentinel values below, which all share a Kind.
type Error struct {
	Kind Kind
	Code int    // populated for KindModemError
	Msg  string // optional human detail, e.g. the raw response line
}

func (e *Error) Error() string {
	if e.Kind == KindModemError {
		return fmt.Sprintf("modem error %d: %s", e.Code, modemErrorString(e.Code))
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return e.Kind.String()
}

// Is makes errors.Is(err, Timeout) etc. work: two *Error values are equal
// for errors.Is purposes when they share a Kind (and Code, for
// ModemError).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	if e.Kind == KindModemError && t.Code != 0 {
		return e.Code == t.Code
	}
	return true
}

// Sentinel values for errors.Is comparisons. Do not mutate.
var (
	Timeout         = &Error{Kind: KindTimeout}
	MutexBusy       = &Error{Kind: KindMutexBusy}
	Asleep          = &Error{Kind: KindAsleep}
	NotPowered      = &Error{Kind: KindNotPowered}
	BadResponse     = &Error{Kind: KindBadResponse}
	Invalid         = &Error{Kind: KindInvalid}
	OutOfMemory     = &Error{Kind: KindOutOfMemory}
	Busy            = &Error{Kind: KindBusy}
	Fatal           = &Error{Kind: KindFatal}
	TooManyReleases = &Error{Kind: KindTooManyReleases}
	TooSoon         = &Error{Kind: KindTooSoon}
)

// ModemErr builds a KindModemError with the SSID/crypto code table applied.
func ModemErr(code int) *Error {
	return &Error{Kind: KindModemError, Code: code}
}

// BadResponseMsg builds a KindBadResponse carrying the offending line.
func BadResponseMsg(msg string) *Error {
	return &Error{Kind: KindBadResponse, Msg: msg}
}

func InvalidMsg(msg string) *Error {
	return &Error{Kind: KindInvalid, Msg: msg}
}

// modemErrorTable maps a small set of known SSID/crypto error codes to
// human strings; unknown codes still round-trip through ModemError(code).
var modemErrorTable = map[int]string{
	1:  "invalid SSID",
	2:  "invalid security type",
	3:  "invalid key index",
	4:  "invalid encryption",
	5:  "association timeout",
	6:  "authentication failed",
	7:  "wrong passphrase",
	8:  "AP not found",
	9:  "already connected",
	10: "not connected",
}

func modemErrorString(code int) string {
	if s, ok := modemErrorTable[code]; ok {
		return s
	}
	return "unrecognized modem error code"
}

// Transient reports whether err should be retried inside a bounded
// retry loop (§7 propagation rules): Timeout, MutexBusy, Asleep and
// NotPowered are transient. BadResponse/ModemError are not transient;
// radio's withRetry handles them separately, spending one attempt of
// the retry budget immediately without waiting out the timeout.
func Transient(err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	switch e.Kind {
	case KindTimeout, KindMutexBusy, KindAsleep, KindNotPowered:
		return true
	default:
		return false
	}
}
