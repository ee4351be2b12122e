// Package outcome tags the result of a call to an external capability so
// callers can tell "nothing found" apart from "the capability failed".
package outcome

type Status int

const (
	// OK means the capability answered with a usable signal.
	OK Status = iota
	// Empty means the capability answered but found nothing.
	Empty
	// Degraded means the capability failed and a safe default was substituted.
	Degraded
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case Empty:
		return "empty"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}
