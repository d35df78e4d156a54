package openid

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/go-openid/rp/openid/internal/httputil"
	"github.com/go-openid/rp/openid/store"
)

// Consumer drives the OpenID authentication handshake on behalf of a web
// application: Begin performs discovery and association and produces the
// redirect or form that sends the user to the provider; Complete verifies
// the provider's response and classifies it into an Outcome.
type Consumer struct {
	config   *Config
	stores   *store.Adapter
	registry *Registry
	engine   Engine
	logger   hclog.Logger
}

// NewConsumer creates a Consumer from a validated config and a store
// adapter.
// Supported options: WithEngine, WithDiscoverer, WithHTTPClient, WithNow
func NewConsumer(c *Config, stores *store.Adapter, opt ...Option) (*Consumer, error) {
	const op = "openid.NewConsumer"
	if c == nil {
		return nil, fmt.Errorf("%s: consumer config is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: consumer config is invalid: %w", op, err)
	}
	if stores == nil {
		return nil, fmt.Errorf("%s: store adapter is nil: %w", op, ErrNilParameter)
	}
	opts := getConsumerOpts(opt...)
	logger := c.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	engine := opts.withEngine
	if engine == nil {
		client := opts.withHTTPClient
		if client == nil {
			var err error
			client, err = httputil.NewClient(c.ProviderCA)
			if err != nil {
				if errors.Is(err, httputil.ErrInvalidCertificatePem) {
					return nil, fmt.Errorf("%s: could not parse CA PEM value: %w", op, ErrInvalidCACert)
				}
				return nil, fmt.Errorf("%s: could not get an http client: %w", op, err)
			}
		}
		discoverer := opts.withDiscoverer
		if discoverer == nil {
			discoverer = NewDiscoverer(client)
		}
		engine = newWireEngine(discoverer, client, logger, opts.withNow)
	}

	return &Consumer{
		config:   c,
		stores:   stores,
		registry: NewRegistry(c.Extensions...),
		engine:   engine,
		logger:   logger,
	}, nil
}

// BeginResult is the consumer's signal to the web layer: exactly one of an
// HTTP redirect target or an HTML response body (content type text/html).
// After acting on it the web layer must terminate the request; no further
// application logic may run on this request.
type BeginResult struct {
	redirectURL string
	formHTML    []byte
}

// IsRedirect reports whether the web layer should issue an HTTP redirect
// (true) or send the form body (false).
func (r *BeginResult) IsRedirect() bool {
	return r.redirectURL != ""
}

// RedirectURL is the redirect target; empty when IsRedirect is false.
func (r *BeginResult) RedirectURL() string {
	return r.redirectURL
}

// FormHTML is the auto-submitting form body; nil when IsRedirect is true.
func (r *BeginResult) FormHTML() []byte {
	return r.formHTML
}

// Begin starts an authentication flow for the identifier the user typed.
// returnTo is where the provider sends the user back; it must later be the
// requestURL passed to Complete.  Discovery and protocol errors propagate to
// the caller, which decides the user-facing message.
// Supported options: WithTrustRoot, WithImmediate
func (c *Consumer) Begin(ctx context.Context, sess SessionStore, identifier, returnTo string, opt ...Option) (*BeginResult, error) {
	const op = "openid.(Consumer).Begin"
	if sess == nil {
		return nil, fmt.Errorf("%s: session store is nil: %w", op, ErrNilParameter)
	}
	if identifier == "" {
		return nil, fmt.Errorf("%s: identifier is empty: %w", op, ErrInvalidParameter)
	}
	if returnTo == "" {
		return nil, fmt.Errorf("%s: return URL is empty: %w", op, ErrInvalidParameter)
	}
	opts := getBeginOpts(opt...)
	trustRoot := opts.withTrustRoot
	if trustRoot == "" {
		trustRoot = c.config.TrustRoot()
	}

	bag := LoadSession(sess, c.config.SessionKey)
	var result *BeginResult
	err := c.stores.Scope(ctx, func(ctx context.Context, s store.Store) error {
		req, err := c.engine.Begin(ctx, bag, s, identifier)
		if err != nil {
			return err
		}
		req.Immediate = opts.withImmediate

		if err := c.registry.addToRequest(ctx, req); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		redirect, err := req.ShouldSendRedirect(trustRoot, returnTo)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if redirect {
			u, err := req.RedirectURL(trustRoot, returnTo)
			if err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
			c.logger.Debug("redirecting to provider", "url", u)
			result = &BeginResult{redirectURL: u}
			return nil
		}
		html, err := req.HTMLMarkup(trustRoot, returnTo)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		c.logger.Debug("sending auto-submit form for provider", "endpoint", req.Endpoint.URL)
		result = &BeginResult{formHTML: html}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Complete finishes the flow on the return leg.  args is the full query /
// post parameter set of the incoming request and requestURL its canonical
// URL.  The authentication session is consumed unless the outcome is
// SetupNeeded, which may be retried without immediate mode.
func (c *Consumer) Complete(ctx context.Context, sess SessionStore, args url.Values, requestURL string) (*Outcome, error) {
	const op = "openid.(Consumer).Complete"
	if sess == nil {
		return nil, fmt.Errorf("%s: session store is nil: %w", op, ErrNilParameter)
	}

	bag := LoadSession(sess, c.config.SessionKey)
	var resp *Response
	err := c.stores.Scope(ctx, func(ctx context.Context, s store.Store) error {
		var err error
		resp, err = c.engine.Complete(ctx, bag, s, args, requestURL)
		return err
	})
	if err != nil {
		return nil, err
	}

	if resp.Status != StatusSetupNeeded {
		// one-shot consumption: the same session must not verify twice
		bag.Clear()
	}

	if resp.Status != StatusSuccess {
		outcome := classifyOutcome(resp, nil)
		c.logger.Debug("authentication did not succeed", "status", outcome.Status.String(),
			"message", outcome.Message)
		return outcome, nil
	}

	// Prefer the provider's canonical (persistent) ID over the human-typed
	// identity URL, so an account survives its human-readable identifier
	// being reassigned by the provider.
	claimed := resp.ClaimedID
	if resp.CanonicalID != "" {
		claimed = resp.CanonicalID
	}
	id := NewIdentifier(claimed)

	if err := c.registry.parseResponse(ctx, resp, id); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return classifyOutcome(resp, id), nil
}

// consumerOptions is the set of available options for NewConsumer.
type consumerOptions struct {
	withEngine     Engine
	withDiscoverer Discoverer
	withHTTPClient *http.Client
	withNow        func() time.Time
}

func consumerDefaults() consumerOptions {
	return consumerOptions{
		withNow: time.Now,
	}
}

func getConsumerOpts(opt ...Option) consumerOptions {
	opts := consumerDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithEngine substitutes the protocol engine.  Used by tests.
func WithEngine(e Engine) Option {
	return func(o interface{}) {
		if o, ok := o.(*consumerOptions); ok {
			o.withEngine = e
		}
	}
}

// WithDiscoverer substitutes the discovery capability, e.g. to add caching
// or a fixed test endpoint.
func WithDiscoverer(d Discoverer) Option {
	return func(o interface{}) {
		if o, ok := o.(*consumerOptions); ok {
			o.withDiscoverer = d
		}
	}
}

// WithHTTPClient provides the http client used for provider requests,
// overriding the ProviderCA-derived default.
func WithHTTPClient(client *http.Client) Option {
	return func(o interface{}) {
		if o, ok := o.(*consumerOptions); ok {
			o.withHTTPClient = client
		}
	}
}

// beginOptions is the set of available options for Begin.
type beginOptions struct {
	withTrustRoot string
	withImmediate bool
}

func beginDefaults() beginOptions {
	return beginOptions{}
}

func getBeginOpts(opt ...Option) beginOptions {
	opts := beginDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithTrustRoot overrides the derived trust root for one Begin call.
func WithTrustRoot(trustRoot string) Option {
	return func(o interface{}) {
		if o, ok := o.(*beginOptions); ok {
			o.withTrustRoot = trustRoot
		}
	}
}

// WithImmediate asks the provider to respond without user interaction if it
// can; otherwise Complete yields a SetupNeeded outcome.
func WithImmediate() Option {
	return func(o interface{}) {
		if o, ok := o.(*beginOptions); ok {
			o.withImmediate = true
		}
	}
}
