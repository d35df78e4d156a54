package openid

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// DefaultSessionKey is the session slot the consumer keeps its per-flow
// state under.
const DefaultSessionKey = "openid_session_data"

// Config represents the configuration for an OpenID relying-party consumer.
type Config struct {
	// BaseURL is the URL the application is mounted at, e.g.
	// "https://rp.example/proj".  The trust root (realm) is derived from it.
	BaseURL string

	// AbsoluteTrustRoot widens the realm to the whole site: the realm's path
	// becomes "/" regardless of BaseURL's path, so a user's approval covers
	// every application on the host.  When false the realm only covers
	// BaseURL's own path prefix.
	AbsoluteTrustRoot bool

	// SessionKey is the name of this consumer's slot in the user's web
	// session.
	SessionKey string

	// Extensions is the ordered list of extension providers consulted on
	// every Begin and Complete.
	Extensions []ExtensionProvider

	// ProviderCA is an optional CA cert to use when sending requests to
	// providers (discovery, association, stateless verification).
	ProviderCA string

	// Logger is an optional logger.
	Logger hclog.Logger
}

// NewConfig composes a new consumer config.
// Supported options:
//
//	WithAbsoluteTrustRoot
//	WithSessionKey
//	WithExtensions
//	WithProviderCA
//	WithLogger
func NewConfig(baseURL string, opt ...Option) (*Config, error) {
	const op = "openid.NewConfig"
	opts := getConfigOpts(opt...)
	c := &Config{
		BaseURL:           baseURL,
		AbsoluteTrustRoot: opts.withAbsoluteTrustRoot,
		SessionKey:        opts.withSessionKey,
		Extensions:        opts.withExtensions,
		ProviderCA:        opts.withProviderCA,
		Logger:            opts.withLogger,
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid consumer config: %w", op, err)
	}
	return c, nil
}

// Validate the consumer configuration.
func (c *Config) Validate() error {
	const op = "openid.(Config).Validate"
	if c == nil {
		return fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	if c.BaseURL == "" {
		return fmt.Errorf("%s: base URL is empty: %w", op, ErrInvalidParameter)
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("%s: base URL %q is invalid: %w", op, c.BaseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s: base URL %q needs a scheme and host: %w", op, c.BaseURL, ErrInvalidParameter)
	}
	if c.SessionKey == "" {
		return fmt.Errorf("%s: session key is empty: %w", op, ErrInvalidParameter)
	}
	return nil
}

// TrustRoot derives the realm sent with every authentication request: the
// configured base URL's scheme and host, with the path widened to "/" when
// AbsoluteTrustRoot is set, and always ending in "/".
func (c *Config) TrustRoot() string {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		// Validate rejects unparsable base URLs
		panic(fmt.Sprintf("openid: config base URL %q unparsable: %v", c.BaseURL, err))
	}
	path := u.Path
	if c.AbsoluteTrustRoot {
		path = "/"
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	root := url.URL{Scheme: u.Scheme, Host: u.Host, Path: path}
	return root.String()
}

// configOptions is the set of available options for NewConfig.
type configOptions struct {
	withAbsoluteTrustRoot bool
	withSessionKey        string
	withExtensions        []ExtensionProvider
	withProviderCA        string
	withLogger            hclog.Logger
}

// configDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func configDefaults() configOptions {
	return configOptions{
		withAbsoluteTrustRoot: true,
		withSessionKey:        DefaultSessionKey,
	}
}

// getConfigOpts gets the config defaults and applies the opt overrides
// passed in.
func getConfigOpts(opt ...Option) configOptions {
	opts := configDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithAbsoluteTrustRoot controls whether the realm covers the whole site
// (the default) or only the application's own path prefix.
func WithAbsoluteTrustRoot(absolute bool) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withAbsoluteTrustRoot = absolute
		}
	}
}

// WithSessionKey overrides the session slot name.
func WithSessionKey(key string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withSessionKey = key
		}
	}
}

// WithExtensions provides the ordered extension providers for the config.
func WithExtensions(providers ...ExtensionProvider) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withExtensions = providers
		}
	}
}

// WithProviderCA provides an optional CA cert for provider requests.
func WithProviderCA(cert string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withProviderCA = cert
		}
	}
}

// WithLogger provides an optional logger.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withLogger = l
		}
	}
}
