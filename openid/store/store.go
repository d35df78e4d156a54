package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNilParameter     = errors.New("nil parameter")

	// ErrSchemaDowngrade is returned when the version recorded in the
	// database is newer than the version this package understands.  It is a
	// configuration error: the store refuses to operate rather than
	// misinterpret data written by a newer release.
	ErrSchemaDowngrade = errors.New("schema downgrade unsupported")
)

// DefaultNonceSkew is the maximum allowed distance between a response
// nonce's timestamp and the store's clock.  Nonces outside the window are
// rejected without being recorded, which keeps the nonce table bounded.
const DefaultNonceSkew = 5 * time.Hour

// Association is a shared secret negotiated with an identity provider,
// keyed by (server URL, handle).  The relying party uses it to verify the
// signature on the provider's authentication responses.
type Association struct {
	// Handle is the provider-assigned opaque identifier for the secret.
	Handle string

	// Secret is the MAC key.
	Secret []byte

	// Type is the association type, e.g. "HMAC-SHA256".
	Type string

	// IssuedAt is when the association was negotiated.
	IssuedAt time.Time

	// Lifetime is how long past IssuedAt the association stays valid.
	Lifetime time.Duration
}

// ExpiresAt returns the instant the association stops being valid.
func (a *Association) ExpiresAt() time.Time {
	return a.IssuedAt.Add(a.Lifetime)
}

// IsValid reports whether the association may still be used at now.
// Expired associations must not be used to sign or verify anything.
func (a *Association) IsValid(now time.Time) bool {
	return now.Before(a.ExpiresAt())
}

func (a *Association) clone() *Association {
	cp := *a
	cp.Secret = append([]byte(nil), a.Secret...)
	return &cp
}

// Store is the persistence capability the protocol engine requires.  All
// implementations must make UseNonce an atomic check-and-set: the same
// (serverURL, timestamp, salt) triple is accepted at most once.
type Store interface {
	// StoreAssociation saves the association for serverURL, replacing any
	// existing association with the same handle.
	StoreAssociation(ctx context.Context, serverURL string, a *Association) error

	// GetAssociation returns the association for (serverURL, handle), or the
	// most recently issued valid association for serverURL when handle is
	// empty.  It returns (nil, nil) when no valid association exists.
	GetAssociation(ctx context.Context, serverURL, handle string) (*Association, error)

	// RemoveAssociation deletes the association for (serverURL, handle) and
	// reports whether one existed.
	RemoveAssociation(ctx context.Context, serverURL, handle string) (bool, error)

	// UseNonce records the nonce on first sight and reports true.  A second
	// call with identical parameters reports false.  Nonces whose timestamp
	// is further than the store's skew from its clock report false without
	// being recorded.
	UseNonce(ctx context.Context, serverURL string, ts time.Time, salt string) (bool, error)

	// CleanupNonces removes nonces too old to be accepted anymore and
	// returns how many were removed.
	CleanupNonces(ctx context.Context) (int, error)

	// CleanupAssociations removes expired associations and returns how many
	// were removed.
	CleanupAssociations(ctx context.Context) (int, error)
}
