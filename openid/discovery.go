package openid

import (
	"encoding/gob"
	"fmt"
	"net/http"

	openidgo "github.com/yohcop/openid-go"
)

func init() {
	// Endpoint travels inside the gob-encoded Session bag.
	gob.Register(Endpoint{})
}

// Endpoint is the discovered information for a claimed identifier: where the
// provider lives and which identifiers the exchange is about.
type Endpoint struct {
	// URL is the OP endpoint the authentication request is sent to.
	URL string

	// LocalID is the OP-local identifier (the openid.identity value).
	LocalID string

	// ClaimedID is the identifier the user asserted, or IdentifierSelect
	// when discovery yielded an OP identifier.
	ClaimedID string

	// CanonicalID is the provider's persistent canonical ID, when discovery
	// produced one (XRI i-names).  A successful Complete prefers it over the
	// human-typed ClaimedID, so a reassigned human-readable identifier
	// cannot take over the account.
	CanonicalID string

	// OpenID1 marks endpoints that only speak OpenID 1.x.
	OpenID1 bool
}

// Discoverer resolves a user-supplied identifier to a provider endpoint.
// The discovery mechanics (identifier normalization, YADIS/XRDS, HTML-based
// discovery) are a black box behind this interface.
type Discoverer interface {
	Discover(identifier string) (*Endpoint, error)
}

// yadisDiscoverer is the default Discoverer, delegating normalization and
// YADIS/HTML discovery to github.com/yohcop/openid-go.
type yadisDiscoverer struct {
	oid *openidgo.OpenID
}

// NewDiscoverer returns the default Discoverer using the given http client
// for the discovery fetches.
func NewDiscoverer(client *http.Client) Discoverer {
	if client == nil {
		client = http.DefaultClient
	}
	return &yadisDiscoverer{oid: openidgo.NewOpenID(client)}
}

// Discover implements Discoverer.
func (d *yadisDiscoverer) Discover(identifier string) (*Endpoint, error) {
	const op = "openid.(yadisDiscoverer).Discover"
	opEndpoint, opLocalID, claimedID, err := d.oid.Discover(identifier)
	if err != nil {
		return nil, fmt.Errorf("%s: %q: %v: %w", op, identifier, err, ErrDiscoveryFailed)
	}
	ep := &Endpoint{
		URL:       opEndpoint,
		LocalID:   opLocalID,
		ClaimedID: claimedID,
	}
	if ep.ClaimedID == "" {
		// OP identifier entered: the provider selects the identity.
		ep.ClaimedID = IdentifierSelect
		ep.LocalID = IdentifierSelect
	}
	if ep.LocalID == "" {
		ep.LocalID = ep.ClaimedID
	}
	return ep, nil
}
