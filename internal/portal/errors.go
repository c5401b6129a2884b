package portal

import "fmt"

// AuthError indicates the portal rejected our credentials or the
// session could not be re-established. Distinguishable from network
// failure so the coordinator can report "check your password" instead
// of "portal down".
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("portal auth: %s: %v", e.Reason, e.Err)
	}
	return "portal auth: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransportError indicates a network or server-side failure: the
// request never completed, or completed with an unusable status.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("portal transport: %s: %v", e.Op, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("portal transport: %s: status %d", e.Op, e.Status)
	default:
		return "portal transport: " + e.Op
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError indicates a required field could not be located or
// coerced from an otherwise successful response. Always names the
// field so markup drift shows up in logs as "which locator broke",
// not "something went wrong".
type ParseError struct {
	Field string
	Msg   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("portal parse: field %q: %s", e.Field, e.Msg)
}
