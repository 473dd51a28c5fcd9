package results

// Reason classifies an error for retry decisions, metrics and
// user-facing deployment records.
type Reason string

const (
	// ReasonUnknown is the default reason. Occurrences of this reason
	// in metrics indicate a failure to classify an error somewhere.
	ReasonUnknown Reason = "unknown"

	// ReasonValidation marks malformed input: a bad path label, a
	// non-hierarchical slug, an unknown enum value.
	ReasonValidation Reason = "validation"
	// ReasonNotFound marks a missing entity: example, version, bucket
	// or group. Transient provider lookups that may heal on retry use
	// ReasonProviderTransient instead.
	ReasonNotFound Reason = "not_found"
	// ReasonConflict marks collisions with existing state: duplicate
	// identifiers, an already-running workflow, a push rejected after
	// the rebase retry.
	ReasonConflict Reason = "conflict"

	ReasonDependencyCycle   Reason = "dependency_cycle"
	ReasonNoMatchingVersion Reason = "no_matching_version"
	ReasonUnknownSlug       Reason = "unknown_slug"
	ReasonUnknownTag        Reason = "unknown_tag"

	// ReasonProviderTransient marks rate limits, 5xx responses and
	// network failures talking to the hosting provider.
	ReasonProviderTransient Reason = "provider_transient"
	// ReasonProviderAuth marks 401/403 responses; retrying with the
	// same credentials cannot succeed.
	ReasonProviderAuth Reason = "provider_auth"
	// ReasonIntegrity marks database constraint violations.
	ReasonIntegrity Reason = "integrity"

	ReasonTimeoutExceeded Reason = "timeout_exceeded"
	ReasonCancelRequested Reason = "cancel_requested"
)

// nonRetryable holds the reasons for which another attempt cannot
// change the outcome. Unclassified errors are assumed transient.
var nonRetryable = map[Reason]bool{
	ReasonValidation:        true,
	ReasonNotFound:          true,
	ReasonConflict:          true,
	ReasonDependencyCycle:   true,
	ReasonNoMatchingVersion: true,
	ReasonUnknownSlug:       true,
	ReasonUnknownTag:        true,
	ReasonProviderAuth:      true,
	ReasonIntegrity:         true,
	ReasonCancelRequested:   true,
}

// Exit codes of the command line entry points. One is reserved for
// failures outside the classified reasons.
const (
	ExitOK                   = 0
	ExitError                = 1
	ExitInvalidConfiguration = 2
	ExitUnresolvedDependency = 3
	ExitProviderUnreachable  = 4
	ExitConflict             = 5
)

// ExitCodeFor maps a failure reason to the exit code the command line
// entry points terminate with. Missing entities count as invalid
// configuration: the input named something that does not exist.
func ExitCodeFor(reason Reason) int {
	switch reason {
	case ReasonValidation, ReasonNotFound:
		return ExitInvalidConfiguration
	case ReasonDependencyCycle, ReasonNoMatchingVersion, ReasonUnknownSlug, ReasonUnknownTag:
		return ExitUnresolvedDependency
	case ReasonProviderTransient, ReasonProviderAuth:
		return ExitProviderUnreachable
	case ReasonConflict:
		return ExitConflict
	default:
		return ExitError
	}
}

// IsRetryable reports whether retrying the operation that produced err
// may change the outcome. Errors without a classified reason count as
// retryable so that transient failures from libraries are not dropped.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !nonRetryable[ReasonFor(err)]
}

// FullReason renders the first reason chain of err, joining nested
// reasons with colons. Unclassified errors render as unknown.
func FullReason(err error) string {
	reasons := Reasons(err)
	if len(reasons) == 0 {
		return string(ReasonUnknown)
	}
	return reasons[0]
}

// ReasonFor returns the outermost classified reason of err, or
// ReasonUnknown when the chain carries none.
func ReasonFor(err error) Reason {
	for err != nil {
		if typed, ok := err.(*Error); ok {
			return typed.reason
		}
		switch chained := err.(type) {
		case interface{ Unwrap() error }:
			err = chained.Unwrap()
		case interface{ Errors() []error }:
			for _, child := range chained.Errors() {
				if reason := ReasonFor(child); reason != ReasonUnknown {
					return reason
				}
			}
			return ReasonUnknown
		default:
			return ReasonUnknown
		}
	}
	return ReasonUnknown
}
