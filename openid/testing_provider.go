package openid

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/stretchr/testify/require"
)

// TestProvider is a local server that poses as an OpenID identity provider:
// it negotiates associations, answers stateless check_authentication
// requests and mints signed positive assertions, which makes writing
// consumer tests much easier.
type TestProvider struct {
	httpServer *httptest.Server
	caCert     string

	mu                 sync.Mutex
	associations       map[string]*testAssociation
	rejectAssociations bool
	legacyOnly         bool
	disownResponses    bool
	invalidateHandle   string
	checkAuthCount     int
	now                func() time.Time

	t *testing.T
}

type testAssociation struct {
	handle    string
	secret    []byte
	assocType string
}

// StartTestProvider creates a disposable TestProvider on a TLS test server.
func StartTestProvider(t *testing.T) *TestProvider {
	t.Helper()
	p := &TestProvider{
		associations: map[string]*testAssociation{},
		now:          time.Now,
		t:            t,
	}
	p.httpServer = httptest.NewTLSServer(p)
	t.Cleanup(p.httpServer.Close)

	var buf bytes.Buffer
	err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: p.httpServer.Certificate().Raw})
	require.NoError(t, err)
	p.caCert = buf.String()

	return p
}

// Stop stops the running TestProvider.
func (p *TestProvider) Stop() {
	p.httpServer.Close()
}

// Endpoint returns the provider's OP endpoint URL.
func (p *TestProvider) Endpoint() string {
	return p.httpServer.URL + "/op"
}

// CACert returns the pem-encoded CA certificate for the test server's TLS.
func (p *TestProvider) CACert() string {
	return p.caCert
}

// HTTPClient returns an http client that trusts the test server's TLS
// certificate.
func (p *TestProvider) HTTPClient() *http.Client {
	return p.httpServer.Client()
}

// SetRejectAssociations makes association negotiation fail, forcing
// consumers into stateless mode.
func (p *TestProvider) SetRejectAssociations(reject bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectAssociations = reject
}

// SetLegacyOnly makes the provider counter-offer HMAC-SHA1 over DH-SHA1 for
// any stronger association request, as old providers do.
func (p *TestProvider) SetLegacyOnly(legacy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.legacyOnly = legacy
}

// SetDisownResponses makes check_authentication deny every signature.
func (p *TestProvider) SetDisownResponses(disown bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disownResponses = disown
}

// SetInvalidateHandle adds an invalidate_handle field to successful
// check_authentication replies.
func (p *TestProvider) SetInvalidateHandle(handle string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidateHandle = handle
}

// SetNow overrides the provider's clock.
func (p *TestProvider) SetNow(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// CheckAuthCount reports how many check_authentication requests the
// provider served.
func (p *TestProvider) CheckAuthCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkAuthCount
}

// Discoverer returns a Discoverer whose every lookup resolves to this
// provider.  When identifierSelect is true, discovery claims no identity
// and lets the provider select one, as an OP identifier would.
func (p *TestProvider) Discoverer(identifierSelect bool) Discoverer {
	return &testDiscoverer{endpoint: p.Endpoint(), identifierSelect: identifierSelect}
}

type testDiscoverer struct {
	endpoint         string
	identifierSelect bool
}

func (d *testDiscoverer) Discover(identifier string) (*Endpoint, error) {
	if d.identifierSelect {
		return &Endpoint{
			URL:       d.endpoint,
			ClaimedID: IdentifierSelect,
			LocalID:   IdentifierSelect,
		}, nil
	}
	return &Endpoint{
		URL:       d.endpoint,
		ClaimedID: identifier,
		LocalID:   identifier,
	}, nil
}

// NewAssociation mints a provider-side association and returns its handle.
// Use it for stateless tests: the consumer never learns the secret, so
// verification must travel through check_authentication.
func (p *TestProvider) NewAssociation(t *testing.T) string {
	t.Helper()
	a := p.mintAssociation(t, AssocHMACSHA256)
	return a.handle
}

func (p *TestProvider) mintAssociation(t *testing.T, assocType string) *testAssociation {
	t.Helper()
	require := require.New(t)
	handle, err := uuid.GenerateUUID()
	require.NoError(err)
	secretLen := sha256.Size
	if assocType == AssocHMACSHA1 {
		secretLen = sha1.Size
	}
	secret := make([]byte, secretLen)
	_, err = rand.Read(secret)
	require.NoError(err)
	a := &testAssociation{handle: handle, secret: secret, assocType: assocType}
	p.mu.Lock()
	p.associations[handle] = a
	p.mu.Unlock()
	return a
}

// SignedResponse builds the query parameters of a positive assertion signed
// by the association named by handle.  signedExtra fields are covered by
// the signature, unsignedExtra fields ride along outside it.
func (p *TestProvider) SignedResponse(t *testing.T, handle, returnTo, claimedID string, signedExtra, unsignedExtra map[string]string) url.Values {
	t.Helper()
	require := require.New(t)
	p.mu.Lock()
	a := p.associations[handle]
	now := p.now()
	p.mu.Unlock()
	require.NotNilf(a, "no provider association with handle %q", handle)

	salt, err := uuid.GenerateUUID()
	require.NoError(err)

	args := url.Values{}
	args.Set("openid.ns", NsOpenID2)
	args.Set("openid.mode", modeIDRes)
	args.Set("openid.op_endpoint", p.Endpoint())
	args.Set("openid.claimed_id", claimedID)
	args.Set("openid.identity", claimedID)
	args.Set("openid.return_to", returnTo)
	args.Set("openid.response_nonce", now.UTC().Format(nonceTimeLayout)+salt)
	args.Set("openid.assoc_handle", handle)

	signed := []string{"op_endpoint", "claimed_id", "identity", "return_to", "response_nonce", "assoc_handle"}
	for k, v := range signedExtra {
		args.Set("openid."+k, v)
		signed = append(signed, k)
	}
	for k, v := range unsignedExtra {
		args.Set("openid."+k, v)
	}
	args.Set("openid.signed", strings.Join(signed, ","))

	sig, err := sign(a.assocType, a.secret, signed, args)
	require.NoError(err)
	args.Set("openid.sig", sig)

	// the return_to query arguments come back as bare parameters too
	rt, err := url.Parse(returnTo)
	require.NoError(err)
	for k, vs := range rt.Query() {
		for _, v := range vs {
			args.Add(k, v)
		}
	}
	return args
}

// ServeHTTP implements the provider's direct-request endpoint.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	_ = req.ParseForm()
	switch req.Form.Get("openid.mode") {
	case modeAssociate:
		p.serveAssociate(w, req)
	case modeCheckAuth:
		p.serveCheckAuth(w, req)
	default:
		writeKeyValues(w, http.StatusBadRequest, map[string]string{
			"ns":    NsOpenID2,
			"error": "unhandled direct request mode",
		})
	}
}

func (p *TestProvider) serveAssociate(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	reject := p.rejectAssociations
	legacy := p.legacyOnly
	p.mu.Unlock()
	if reject {
		writeKeyValues(w, http.StatusBadRequest, map[string]string{
			"ns":    NsOpenID2,
			"error": "associations are disabled",
		})
		return
	}

	assocType := req.Form.Get("openid.assoc_type")
	sessionType := req.Form.Get("openid.session_type")
	if legacy && (assocType != AssocHMACSHA1 || sessionType != sessionDHSHA1) {
		writeKeyValues(w, http.StatusBadRequest, map[string]string{
			"ns":           NsOpenID2,
			"error":        "only legacy association types supported",
			"error_code":   "unsupported-type",
			"assoc_type":   AssocHMACSHA1,
			"session_type": sessionDHSHA1,
		})
		return
	}
	if !supportedAssocType(assocType) {
		writeKeyValues(w, http.StatusBadRequest, map[string]string{
			"ns":           NsOpenID2,
			"error":        "unsupported association type",
			"error_code":   "unsupported-type",
			"assoc_type":   AssocHMACSHA256,
			"session_type": sessionDHSHA256,
		})
		return
	}

	a := p.mintAssociation(p.t, assocType)
	fields := map[string]string{
		"ns":           NsOpenID2,
		"assoc_handle": a.handle,
		"assoc_type":   assocType,
		"session_type": sessionType,
		"expires_in":   "3600",
	}

	switch sessionType {
	case sessionNoEncryption:
		fields["mac_key"] = base64.StdEncoding.EncodeToString(a.secret)
	case sessionDHSHA1, sessionDHSHA256:
		consumerPubRaw, err := base64.StdEncoding.DecodeString(req.Form.Get("openid.dh_consumer_public"))
		if err != nil {
			writeKeyValues(w, http.StatusBadRequest, map[string]string{
				"ns": NsOpenID2, "error": "malformed dh_consumer_public",
			})
			return
		}
		priv, pub, err := dhKeyPair()
		if err != nil {
			writeKeyValues(w, http.StatusBadRequest, map[string]string{
				"ns": NsOpenID2, "error": "unable to generate DH key",
			})
			return
		}
		shared := new(big.Int).Exp(unbtwoc(consumerPubRaw), priv, dhDefaultModulus)
		var digest []byte
		if sessionType == sessionDHSHA1 {
			d := sha1.Sum(btwoc(shared))
			digest = d[:]
		} else {
			d := sha256.Sum256(btwoc(shared))
			digest = d[:]
		}
		if len(digest) != len(a.secret) {
			writeKeyValues(w, http.StatusBadRequest, map[string]string{
				"ns": NsOpenID2, "error": "association/session type length mismatch",
			})
			return
		}
		enc := make([]byte, len(a.secret))
		for i := range a.secret {
			enc[i] = a.secret[i] ^ digest[i]
		}
		fields["dh_server_public"] = base64.StdEncoding.EncodeToString(btwoc(pub))
		fields["enc_mac_key"] = base64.StdEncoding.EncodeToString(enc)
	default:
		writeKeyValues(w, http.StatusBadRequest, map[string]string{
			"ns":           NsOpenID2,
			"error":        "unsupported session type",
			"error_code":   "unsupported-type",
			"assoc_type":   AssocHMACSHA256,
			"session_type": sessionDHSHA256,
		})
		return
	}
	writeKeyValues(w, http.StatusOK, fields)
}

func (p *TestProvider) serveCheckAuth(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	p.checkAuthCount++
	disown := p.disownResponses
	invalidate := p.invalidateHandle
	a := p.associations[req.Form.Get("openid.assoc_handle")]
	p.mu.Unlock()

	isValid := "false"
	if !disown && a != nil {
		args := url.Values{}
		for k, vs := range req.Form {
			args[k] = vs
		}
		// the signature was computed over mode id_res
		args.Set("openid.mode", modeIDRes)
		ok, err := verifySignature(a.assocType, a.secret, args)
		if err == nil && ok {
			isValid = "true"
		}
	}
	fields := map[string]string{
		"ns":       NsOpenID2,
		"is_valid": isValid,
	}
	if isValid == "true" && invalidate != "" {
		fields["invalidate_handle"] = invalidate
	}
	writeKeyValues(w, http.StatusOK, fields)
}

func writeKeyValues(w http.ResponseWriter, status int, fields map[string]string) {
	w.Header().Set("Content-Type", "text/plain;charset=utf-8")
	w.WriteHeader(status)
	var b strings.Builder
	for k, v := range fields {
		fmt.Fprintf(&b, "%s:%s\n", k, v)
	}
	_, _ = w.Write([]byte(b.String()))
}

// TestSessionStore is an in-memory SessionStore for tests.
type TestSessionStore map[string]string

// NewTestSessionStore creates an empty TestSessionStore.
func NewTestSessionStore() TestSessionStore {
	return TestSessionStore{}
}

// Get implements SessionStore.Get.
func (s TestSessionStore) Get(key string) (string, bool) {
	v, ok := s[key]
	return v, ok
}

// Set implements SessionStore.Set.
func (s TestSessionStore) Set(key, value string) {
	s[key] = value
}

// Delete implements SessionStore.Delete.
func (s TestSessionStore) Delete(key string) {
	delete(s, key)
}
