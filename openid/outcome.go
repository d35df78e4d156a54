package openid

import "fmt"

// Status is the terminal state of one authentication exchange.
type Status int

const (
	// StatusSuccess: the provider asserted the identity and every check
	// (signature, nonce, discovered endpoint) passed.
	StatusSuccess Status = iota + 1

	// StatusFailure: the exchange ended without a verified identity, either
	// because the provider reported an error or because verification failed.
	StatusFailure

	// StatusCancelled: the user declined at the provider.
	StatusCancelled

	// StatusSetupNeeded: an immediate-mode request could not be completed
	// without user interaction.  The flow may be retried without immediate
	// mode.
	StatusSetupNeeded
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusCancelled:
		return "cancelled"
	case StatusSetupNeeded:
		return "setup needed"
	default:
		return fmt.Sprintf("unknown status %d", int(s))
	}
}

// Outcome is the application-facing result of Complete.  Exactly one variant
// is produced per call; the fields beyond Status are populated according to
// it.
type Outcome struct {
	// Status selects the variant.
	Status Status

	// Identifier is the verified identity.  Success only.
	Identifier *Identifier

	// Message is the provider's or verifier's failure diagnostic.  Failure
	// only.
	Message string

	// IdentityURL is the identity the failed exchange was about, when known.
	// Failure only.
	IdentityURL string

	// SetupURL, when the provider supplied one, lets the caller send the
	// user to complete setup interactively.  SetupNeeded only; empty means
	// "retry without immediate mode".
	SetupURL string
}

// Succeeded is a convenience for callers that only branch on success.
func (o *Outcome) Succeeded() bool {
	return o.Status == StatusSuccess
}

// classifyOutcome maps an engine response onto the Outcome variants.  The
// engine contract permits exactly four statuses; any other value means an
// incompatible engine implementation, which is a programming error, not a
// user-facing condition.
func classifyOutcome(resp *Response, id *Identifier) *Outcome {
	switch resp.Status {
	case StatusFailure:
		return &Outcome{
			Status:      StatusFailure,
			Message:     resp.Message,
			IdentityURL: resp.ClaimedID,
		}
	case StatusCancelled:
		return &Outcome{Status: StatusCancelled}
	case StatusSetupNeeded:
		return &Outcome{
			Status:   StatusSetupNeeded,
			SetupURL: resp.SetupURL,
		}
	case StatusSuccess:
		return &Outcome{
			Status:     StatusSuccess,
			Identifier: id,
		}
	default:
		panic(fmt.Sprintf("openid: engine returned impossible status %d", int(resp.Status)))
	}
}
