package openid

import (
	"context"
	"fmt"
)

// ExtensionProvider is a pluggable participant in the authentication
// exchange: it may add arguments to the outgoing request and parse
// provider-specific data out of a successful response.  See the extension
// package for concrete providers.
type ExtensionProvider interface {
	// AddToRequest may mutate the outgoing request, typically via
	// AuthRequest.AddExtension and SetExtensionArg.
	AddToRequest(ctx context.Context, req *AuthRequest) error

	// ParseResponse runs on success only.  It may attach parsed data to the
	// identifier; returning an error aborts the whole Complete call, since
	// the response stays untrusted until every registered provider accepts
	// it.
	ParseResponse(ctx context.Context, resp *Response, id *Identifier) error
}

// Registry is the ordered set of extension providers consulted during Begin
// and Complete.  Order is fixed at configuration time and significant; the
// registry never reorders it.
type Registry struct {
	providers []ExtensionProvider
}

// NewRegistry builds a registry that consults the providers in the given
// order.
func NewRegistry(providers ...ExtensionProvider) *Registry {
	return &Registry{providers: append([]ExtensionProvider(nil), providers...)}
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	return len(r.providers)
}

// addToRequest lets every provider, in registration order, augment the
// outgoing request.
func (r *Registry) addToRequest(ctx context.Context, req *AuthRequest) error {
	for _, p := range r.providers {
		if err := p.AddToRequest(ctx, req); err != nil {
			return fmt.Errorf("extension provider %T: %w", p, err)
		}
	}
	return nil
}

// parseResponse lets every provider, in registration order, parse the
// successful response.  The first refusal aborts.
func (r *Registry) parseResponse(ctx context.Context, resp *Response, id *Identifier) error {
	for _, p := range r.providers {
		if err := p.ParseResponse(ctx, resp, id); err != nil {
			return fmt.Errorf("extension provider %T: %v: %w", p, err, ErrExtensionFailed)
		}
	}
	return nil
}
