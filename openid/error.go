package openid

import (
	"errors"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNilParameter     = errors.New("nil parameter")
	ErrInvalidCACert    = errors.New("invalid CA certificate")

	// ErrDiscoveryFailed wraps failures to resolve an identifier to a
	// provider endpoint (unreachable identifier, no service element, bad
	// markup).  Begin propagates it unmodified to the caller.
	ErrDiscoveryFailed = errors.New("discovery failed")

	// ErrProtocolError wraps malformed provider messages during direct
	// communication (association negotiation, stateless verification).
	ErrProtocolError = errors.New("openid protocol error")

	// ErrExtensionFailed wraps an extension provider's refusal of an
	// otherwise successful response.  The whole Complete call aborts; the
	// response stays untrusted until every registered extension accepts it.
	ErrExtensionFailed = errors.New("extension provider rejected response")
)
