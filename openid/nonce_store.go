package openid

import (
	"context"
	"fmt"

	openidgo "github.com/yohcop/openid-go"

	"github.com/go-openid/rp/openid/store"
)

// NonceStoreAdapter exposes a store.Store's replay protection through
// github.com/yohcop/openid-go's NonceStore interface, so applications
// already verifying with that library can share this package's durable
// nonce table instead of its in-memory SimpleNonceStore.
type NonceStoreAdapter struct {
	Store store.Store
}

var _ openidgo.NonceStore = (*NonceStoreAdapter)(nil)

// Accept implements openid-go's NonceStore: it errors when the nonce was
// seen before or is outside the acceptance window.
func (a *NonceStoreAdapter) Accept(endpoint, nonce string) error {
	const op = "openid.(NonceStoreAdapter).Accept"
	ts, salt, err := parseNonce(nonce)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	fresh, err := a.Store.UseNonce(context.Background(), endpoint, ts, salt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !fresh {
		return fmt.Errorf("%s: nonce already used: %w", op, ErrProtocolError)
	}
	return nil
}
