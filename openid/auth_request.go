package openid

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"net/url"
)

//go:embed form.gohtml
var autoSubmitFormTempl string

var autoSubmitForm = template.Must(template.New("auto-submit-form").Parse(autoSubmitFormTempl))

// maxRedirectURLLength is the longest GET request line the protocol
// guarantees providers accept; larger requests must travel as an
// auto-submitted POST form.
const maxRedirectURLLength = 2048

// AuthRequest describes one outgoing authentication request.  It is built
// fresh on every Begin call, never persisted, and consumed by exactly one
// RedirectURL or HTMLMarkup rendering.
type AuthRequest struct {
	// Endpoint is the discovered provider endpoint the request targets.
	Endpoint *Endpoint

	// AssocHandle names the association that will sign the response; empty
	// means stateless mode.
	AssocHandle string

	// Immediate asks the provider to respond without user interaction.
	Immediate bool

	// extensions holds openid.* arguments added by extension providers.
	extensions url.Values

	// openid1Nonce is the relying party's own replay nonce, appended to
	// return_to for OpenID 1.x providers.
	openid1Nonce string
}

// AddExtension declares an extension namespace under an alias, e.g.
// AddExtension("sreg", "http://openid.net/extensions/sreg/1.1").
func (r *AuthRequest) AddExtension(alias, nsURI string) {
	if r.extensions == nil {
		r.extensions = url.Values{}
	}
	r.extensions.Set("openid.ns."+alias, nsURI)
}

// SetExtensionArg sets one argument within a declared extension namespace.
func (r *AuthRequest) SetExtensionArg(alias, key, value string) {
	if r.extensions == nil {
		r.extensions = url.Values{}
	}
	r.extensions.Set("openid."+alias+"."+key, value)
}

// messageArgs assembles the full openid.* argument set for the request.
func (r *AuthRequest) messageArgs(realm, returnTo string) url.Values {
	args := url.Values{}
	mode := modeCheckIDSetup
	if r.Immediate {
		mode = modeCheckIDImmediate
	}
	args.Set("openid.mode", mode)
	if r.Endpoint.OpenID1 {
		args.Set("openid.identity", r.Endpoint.LocalID)
		args.Set("openid.trust_root", realm)
	} else {
		args.Set("openid.ns", NsOpenID2)
		args.Set("openid.claimed_id", r.Endpoint.ClaimedID)
		args.Set("openid.identity", r.Endpoint.LocalID)
		args.Set("openid.realm", realm)
	}
	if r.AssocHandle != "" {
		args.Set("openid.assoc_handle", r.AssocHandle)
	}
	args.Set("openid.return_to", r.returnTo(returnTo))
	for k, vs := range r.extensions {
		for _, v := range vs {
			args.Add(k, v)
		}
	}
	return args
}

// returnTo appends the relying party's own nonce for OpenID 1.x providers,
// which mint no response nonce of their own.
func (r *AuthRequest) returnTo(returnTo string) string {
	if r.openid1Nonce == "" {
		return returnTo
	}
	u, err := url.Parse(returnTo)
	if err != nil {
		return returnTo
	}
	q := u.Query()
	q.Set(openid1NonceArg, r.openid1Nonce)
	u.RawQuery = q.Encode()
	return u.String()
}

// RedirectURL builds the provider URL the user agent should be redirected
// to, embedding the realm (trust root), return URL and immediate flag.
func (r *AuthRequest) RedirectURL(realm, returnTo string) (string, error) {
	const op = "openid.(AuthRequest).RedirectURL"
	u, err := url.Parse(r.Endpoint.URL)
	if err != nil {
		return "", fmt.Errorf("%s: endpoint URL %q is invalid: %w", op, r.Endpoint.URL, err)
	}
	q := u.Query()
	for k, vs := range r.messageArgs(realm, returnTo) {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// HTMLMarkup renders a complete HTML page containing an auto-submitting
// form that POSTs the same request to the provider.  Used when the encoded
// request would overflow what providers must accept on a GET.
func (r *AuthRequest) HTMLMarkup(realm, returnTo string) ([]byte, error) {
	const op = "openid.(AuthRequest).HTMLMarkup"
	type field struct{ Name, Value string }
	args := r.messageArgs(realm, returnTo)
	fields := make([]field, 0, len(args))
	for _, k := range sortedKeys(args) {
		for _, v := range args[k] {
			fields = append(fields, field{Name: k, Value: v})
		}
	}
	var buf bytes.Buffer
	if err := autoSubmitForm.Execute(&buf, map[string]interface{}{
		"Action": r.Endpoint.URL,
		"Fields": fields,
	}); err != nil {
		return nil, fmt.Errorf("%s: unable to render form: %w", op, err)
	}
	return buf.Bytes(), nil
}

// ShouldSendRedirect decides the delivery mode: a redirect unless the
// encoded URL would overflow maxRedirectURLLength, then an auto-submit form.
func (r *AuthRequest) ShouldSendRedirect(realm, returnTo string) (bool, error) {
	u, err := r.RedirectURL(realm, returnTo)
	if err != nil {
		return false, err
	}
	return len(u) <= maxRedirectURLLength, nil
}

// openid1NonceArg is the bare (unsigned-namespace) query argument carrying
// the relying party's nonce through an OpenID 1.x round-trip.
const openid1NonceArg = "openid1_nonce"
