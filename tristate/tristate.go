// Package tristate provides the three-valued logic used for every
// modem-shadow attribute: a field is either Unknown (never reported or
// queried), KnownFalse, or KnownTrue. A Boolean with a zero-value default
// cannot distinguish "no" from "never heard from the modem"; this package
// forces every reader to handle that distinction explicitly.
package tristate

// State is a three-valued sum type. The zero value is Unknown, so a
// freshly zeroed struct of tri-states starts in the post-reset state
// without any extra initialization.
type State int

const (
	// Unknown is the post-reset value until the modem has either reported
	// or been queried for this attribute.
	Unknown State = iota
	// KnownFalse means the modem has authoritatively reported this
	// attribute as false.
	KnownFalse
	// KnownTrue means the modem has authoritatively reported this
	// attribute as true.
	KnownTrue
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Unknown:
		return "Unknown"
	case KnownFalse:
		return "KnownFalse"
	case KnownTrue:
		return "KnownTrue"
	default:
		return "Invalid"
	}
}

// FromBool converts a plain bool into an authoritative Known* state.
func FromBool(b bool) State {
	if b {
		return KnownTrue
	}
	return KnownFalse
}

// IsKnown reports whether the state is KnownTrue or KnownFalse.
func (s State) IsKnown() bool {
	return s == KnownTrue || s == KnownFalse
}

// Bool returns the boolean value and whether the state was known. Callers
// that blindly take the zero value on !ok reintroduce the bug this type
// exists to prevent, so the second return is mandatory to check.
func (s State) Bool() (value bool, ok bool) {
	switch s {
	case KnownTrue:
		return true, true
	case KnownFalse:
		return false, true
	default:
		return false, false
	}
}
