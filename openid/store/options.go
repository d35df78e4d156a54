package store

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		o(opts)
	}
}

// options is the set of available options for this package's stores.
type options struct {
	withLogger    hclog.Logger
	withNow       func() time.Time
	withNonceSkew time.Duration
}

// storeDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func storeDefaults() options {
	return options{
		withNow:       time.Now,
		withNonceSkew: DefaultNonceSkew,
	}
}

// getOpts gets the store defaults and applies the opt overrides passed in.
func getOpts(opt ...Option) options {
	opts := storeDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithLogger provides an optional logger for warnings like the in-memory
// fallback.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok {
			o.withLogger = l
		}
	}
}

// WithNow provides an optional time source, used by tests.
func WithNow(now func() time.Time) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok {
			if now != nil {
				o.withNow = now
			}
		}
	}
}

// WithNonceSkew provides an optional override of the nonce acceptance window.
func WithNonceSkew(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok {
			if d > 0 {
				o.withNonceSkew = d
			}
		}
	}
}
