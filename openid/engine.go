package openid

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/go-openid/rp/openid/store"
)

// Session bag keys the engine persists across the redirect round-trip.
const (
	sessionKeyEndpoint    = "endpoint"
	sessionKeyAssocHandle = "assoc_handle"
)

// Response is the engine's raw result of one verified (or refused) provider
// response, before outcome classification.
type Response struct {
	// Status is one of the four terminal statuses.
	Status Status

	// ClaimedID is the verified identity URL on success, or the identity the
	// failed exchange was about when known.
	ClaimedID string

	// CanonicalID is the provider's persistent ID, when discovery produced
	// one.  Success only.
	CanonicalID string

	// SetupURL is where the user can complete setup interactively.
	// SetupNeeded only, and only when the provider supplied one.
	SetupURL string

	// Message is the failure diagnostic.  Failure only.
	Message string

	// Signed lists the response fields covered by the verified signature.
	Signed []string

	// Fields is the raw response argument set, for extension providers.
	Fields url.Values
}

// IsSigned reports whether the named response field (without the openid.
// prefix) was covered by the verified signature.  Extension providers must
// only trust signed fields.
func (r *Response) IsSigned(field string) bool {
	return signedContains(r.Signed, field)
}

// Engine is the protocol capability Begin and Complete drive: discovery +
// association + request construction on the way out, response verification
// on the way back.  The default implementation speaks the OpenID 2.0 wire
// protocol (with 1.x response compatibility); tests may substitute their
// own.
type Engine interface {
	// Begin resolves the identifier, negotiates an association into s and
	// records the flow's state in sess.  Discovery and protocol failures
	// propagate to the caller unmodified.
	Begin(ctx context.Context, sess *Session, s store.Store, identifier string) (*AuthRequest, error)

	// Complete verifies the provider response in args against sess, s and
	// the request's canonical URL.  Verification refusals are Failure
	// responses, not errors; errors are reserved for infrastructure
	// problems (store or network).
	Complete(ctx context.Context, sess *Session, s store.Store, args url.Values, requestURL string) (*Response, error)
}

// wireEngine is the default Engine.
type wireEngine struct {
	discoverer Discoverer
	client     *http.Client
	assoc      *associator
	logger     hclog.Logger
	now        func() time.Time
}

var _ Engine = (*wireEngine)(nil)

func newWireEngine(d Discoverer, client *http.Client, logger hclog.Logger, now func() time.Time) *wireEngine {
	return &wireEngine{
		discoverer: d,
		client:     client,
		assoc: &associator{
			client: client,
			now:    now,
			logger: logger,
		},
		logger: logger,
		now:    now,
	}
}

// Begin implements Engine.Begin.
func (e *wireEngine) Begin(ctx context.Context, sess *Session, s store.Store, identifier string) (*AuthRequest, error) {
	const op = "openid.(wireEngine).Begin"
	ep, err := e.discoverer.Discover(identifier)
	if err != nil {
		// not recovered here: the caller decides the user-facing message
		return nil, err
	}

	handle, err := e.associationHandle(ctx, s, ep.URL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	req := &AuthRequest{
		Endpoint:    ep,
		AssocHandle: handle,
	}
	if ep.OpenID1 {
		nonce, err := mintNonce(e.now())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		req.openid1Nonce = nonce
	}

	sess.Set(sessionKeyEndpoint, *ep)
	sess.Set(sessionKeyAssocHandle, handle)
	return req, nil
}

// associationHandle returns a valid association handle for the endpoint,
// negotiating and storing a fresh association when none exists.  A failed
// negotiation degrades to stateless mode (empty handle): the response will
// be verified through check_authentication instead.
func (e *wireEngine) associationHandle(ctx context.Context, s store.Store, endpointURL string) (string, error) {
	assoc, err := s.GetAssociation(ctx, endpointURL, "")
	if err != nil {
		return "", err
	}
	if assoc != nil {
		return assoc.Handle, nil
	}
	assoc, err = e.assoc.associate(ctx, endpointURL)
	if err != nil {
		e.logger.Warn("association negotiation failed, continuing in stateless mode",
			"endpoint", endpointURL, "error", err)
		return "", nil
	}
	if err := s.StoreAssociation(ctx, endpointURL, assoc); err != nil {
		return "", err
	}
	e.logger.Debug("negotiated association", "endpoint", endpointURL,
		"handle", assoc.Handle, "assoc_type", assoc.Type)
	return assoc.Handle, nil
}

// Complete implements Engine.Complete.
func (e *wireEngine) Complete(ctx context.Context, sess *Session, s store.Store, args url.Values, requestURL string) (*Response, error) {
	ep, ok := e.sessionEndpoint(sess)
	if !ok {
		// Begin never ran here, or the session expired: per protocol rules
		// verification necessarily fails.
		return failure("no authentication session in progress", ""), nil
	}

	mode := args.Get("openid.mode")
	openID2 := args.Get("openid.ns") == NsOpenID2

	switch mode {
	case modeCancel:
		return &Response{Status: StatusCancelled}, nil
	case modeSetupNeeded:
		return &Response{Status: StatusSetupNeeded, SetupURL: args.Get("openid.user_setup_url")}, nil
	case modeError:
		return failure(args.Get("openid.error"), ep.ClaimedID), nil
	case modeIDRes:
		if !openID2 && args.Get("openid.user_setup_url") != "" {
			// OpenID 1.x immediate mode refusal
			return &Response{Status: StatusSetupNeeded, SetupURL: args.Get("openid.user_setup_url")}, nil
		}
		return e.verifyIDRes(ctx, ep, s, args, requestURL, openID2)
	default:
		return failure(fmt.Sprintf("response has unknown openid.mode %q", mode), ep.ClaimedID), nil
	}
}

func (e *wireEngine) sessionEndpoint(sess *Session) (*Endpoint, bool) {
	v, ok := sess.Get(sessionKeyEndpoint)
	if !ok {
		return nil, false
	}
	ep, ok := v.(Endpoint)
	if !ok {
		return nil, false
	}
	return &ep, true
}

// verifyIDRes runs the positive-assertion checks: return URL, discovered
// endpoint, signed-field coverage, replay nonce and signature.
func (e *wireEngine) verifyIDRes(ctx context.Context, ep *Endpoint, s store.Store, args url.Values, requestURL string, openID2 bool) (*Response, error) {
	if msg, ok := verifyReturnTo(args, requestURL); !ok {
		return failure(msg, ep.ClaimedID), nil
	}

	claimedID, msg, err := e.verifyDiscovered(ep, args, openID2)
	if err != nil {
		return nil, err
	}
	if msg != "" {
		return failure(msg, ep.ClaimedID), nil
	}

	signed := splitSigned(args.Get("openid.signed"))
	if msg := verifySignedCoverage(signed, args, openID2); msg != "" {
		return failure(msg, claimedID), nil
	}

	if msg, err := e.verifyNonce(ctx, ep, s, args, openID2); err != nil {
		return nil, err
	} else if msg != "" {
		return failure(msg, claimedID), nil
	}

	if msg, err := e.verifySignature(ctx, ep, s, args); err != nil {
		return nil, err
	} else if msg != "" {
		return failure(msg, claimedID), nil
	}

	return &Response{
		Status:      StatusSuccess,
		ClaimedID:   claimedID,
		CanonicalID: ep.CanonicalID,
		Signed:      signed,
		Fields:      args,
	}, nil
}

// verifyDiscovered checks the response against the discovery results stored
// at Begin time.  Providers assert the OP-local identifier, which under
// delegation differs from the claimed one, so openid.identity is compared
// against LocalID and the user keeps the ClaimedID discovery started from.
// When Begin sent identifier_select, the provider chose the identity, so its
// assertion is re-discovered to prove the provider is authoritative for it.
func (e *wireEngine) verifyDiscovered(ep *Endpoint, args url.Values, openID2 bool) (claimedID, failMsg string, err error) {
	if !openID2 {
		identity := defragment(args.Get("openid.identity"))
		if identity == "" {
			return "", "response asserts no identity", nil
		}
		if identity != defragment(ep.LocalID) {
			return "", fmt.Sprintf("response identity %q does not match the discovered OP-local identifier %q",
				identity, ep.LocalID), nil
		}
		return defragment(ep.ClaimedID), "", nil
	}

	if got := args.Get("openid.op_endpoint"); got != ep.URL {
		return "", fmt.Sprintf("response op_endpoint %q does not match discovered endpoint %q", got, ep.URL), nil
	}
	claimedID = defragment(args.Get("openid.claimed_id"))
	if claimedID == "" {
		return "", "response asserts no identity", nil
	}

	if ep.ClaimedID == IdentifierSelect {
		asserted, err := e.discoverer.Discover(claimedID)
		if err != nil {
			return "", fmt.Sprintf("unable to re-discover asserted identity %q: %v", claimedID, err), nil
		}
		if asserted.URL != ep.URL {
			return "", fmt.Sprintf("asserted identity %q is not served by endpoint %q", claimedID, ep.URL), nil
		}
		return claimedID, "", nil
	}
	if claimedID != defragment(ep.ClaimedID) {
		return "", fmt.Sprintf("response claimed_id %q does not match the identity authentication began with (%q)",
			claimedID, ep.ClaimedID), nil
	}
	if identity := args.Get("openid.identity"); identity != "" && defragment(identity) != defragment(ep.LocalID) {
		return "", fmt.Sprintf("response identity %q does not match the discovered OP-local identifier %q",
			identity, ep.LocalID), nil
	}
	return claimedID, "", nil
}

// verifyNonce rejects replayed responses.  OpenID 2.0 providers mint
// openid.response_nonce; for 1.x the relying party's own nonce rides the
// return URL and is checked under an empty server URL.
func (e *wireEngine) verifyNonce(ctx context.Context, ep *Endpoint, s store.Store, args url.Values, openID2 bool) (failMsg string, err error) {
	var nonce, serverURL string
	if openID2 {
		nonce = args.Get("openid.response_nonce")
		serverURL = ep.URL
	} else {
		nonce = args.Get(openid1NonceArg)
	}
	if nonce == "" {
		return "response carries no nonce", nil
	}
	ts, salt, err := parseNonce(nonce)
	if err != nil {
		return fmt.Sprintf("malformed response nonce: %v", err), nil
	}
	fresh, err := s.UseNonce(ctx, serverURL, ts, salt)
	if err != nil {
		return "", err
	}
	if !fresh {
		return "response nonce was already used or is out of the acceptance window", nil
	}
	return "", nil
}

// verifySignature checks the response MAC against the stored association,
// falling back to a stateless check_authentication request when the handle
// is unknown, expired or wasn't ours.
func (e *wireEngine) verifySignature(ctx context.Context, ep *Endpoint, s store.Store, args url.Values) (failMsg string, err error) {
	handle := args.Get("openid.assoc_handle")
	if handle == "" {
		return "response carries no association handle", nil
	}
	assoc, err := s.GetAssociation(ctx, ep.URL, handle)
	if err != nil {
		return "", err
	}
	if assoc == nil {
		return e.checkAuthentication(ctx, ep, s, args)
	}
	ok, err := verifySignature(assoc.Type, assoc.Secret, args)
	if err != nil {
		return fmt.Sprintf("unable to verify signature: %v", err), nil
	}
	if !ok {
		return "response signature is invalid", nil
	}
	return "", nil
}

// checkAuthentication asks the provider directly whether it signed the
// response (stateless mode).  A confirmed invalidate_handle removes the
// dead association from the store.
func (e *wireEngine) checkAuthentication(ctx context.Context, ep *Endpoint, s store.Store, args url.Values) (failMsg string, err error) {
	e.logger.Debug("unknown association handle, verifying statelessly",
		"endpoint", ep.URL, "handle", args.Get("openid.assoc_handle"))
	params := url.Values{}
	for k, vs := range args {
		if strings.HasPrefix(k, "openid.") {
			params[k] = vs
		}
	}
	params.Set("openid.mode", modeCheckAuth)
	fields, err := directRequest(ctx, e.client, ep.URL, params)
	if err != nil {
		return "", err
	}
	if fields["is_valid"] != "true" {
		return "provider disowned the response signature", nil
	}
	if dead := fields["invalidate_handle"]; dead != "" {
		if _, err := s.RemoveAssociation(ctx, ep.URL, dead); err != nil {
			return "", err
		}
	}
	return "", nil
}

// verifyReturnTo checks that the response was delivered to the URL the
// request named: same scheme, host and path, and every query argument of
// return_to echoed verbatim.
func verifyReturnTo(args url.Values, requestURL string) (failMsg string, ok bool) {
	returnTo := args.Get("openid.return_to")
	if returnTo == "" {
		return "response carries no return_to", false
	}
	rt, err := url.Parse(returnTo)
	if err != nil {
		return fmt.Sprintf("response return_to %q is unparsable", returnTo), false
	}
	cur, err := url.Parse(requestURL)
	if err != nil {
		return fmt.Sprintf("request URL %q is unparsable", requestURL), false
	}
	if rt.Scheme != cur.Scheme || rt.Host != cur.Host || rt.Path != cur.Path {
		return fmt.Sprintf("response return_to %q does not match the request URL %q", returnTo, requestURL), false
	}
	for k, want := range rt.Query() {
		if got := args[k]; len(got) == 0 || got[0] != want[0] {
			return fmt.Sprintf("return_to argument %q was not echoed by the provider", k), false
		}
	}
	return "", true
}

// verifySignedCoverage refuses assertions whose security-relevant fields
// are outside the signature.
func verifySignedCoverage(signed []string, args url.Values, openID2 bool) (failMsg string) {
	var required []string
	if openID2 {
		required = []string{"op_endpoint", "return_to", "response_nonce", "assoc_handle"}
		for _, f := range []string{"claimed_id", "identity"} {
			if args.Get("openid."+f) != "" {
				required = append(required, f)
			}
		}
	} else {
		required = []string{"identity", "return_to"}
	}
	for _, f := range required {
		if !signedContains(signed, f) {
			return fmt.Sprintf("required field %q is not signed", f)
		}
	}
	return ""
}

func failure(message, identityURL string) *Response {
	return &Response{
		Status:    StatusFailure,
		Message:   message,
		ClaimedID: identityURL,
	}
}

func defragment(id string) string {
	if i := strings.IndexByte(id, '#'); i >= 0 {
		return id[:i]
	}
	return id
}
