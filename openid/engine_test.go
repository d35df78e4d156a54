package openid

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-openid/rp/openid/store"
)

func testEngine(p *TestProvider, identifierSelect bool) *wireEngine {
	return newWireEngine(p.Discoverer(identifierSelect), p.HTTPClient(), hclog.NewNullLogger(), time.Now)
}

func TestWireEngine_Begin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("negotiates-and-stores-association", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		p := StartTestProvider(t)
		e := testEngine(p, false)
		s := store.NewMemoryStore()
		sess := LoadSession(NewTestSessionStore(), "slot")

		req, err := e.Begin(ctx, sess, s, "https://alice.example/")
		require.NoError(err)
		require.NotNil(req)
		assert.NotEmpty(req.AssocHandle)
		assert.Equal(p.Endpoint(), req.Endpoint.URL)
		assert.Equal("https://alice.example/", req.Endpoint.ClaimedID)

		stored, err := s.GetAssociation(ctx, p.Endpoint(), req.AssocHandle)
		require.NoError(err)
		require.NotNil(stored)

		// flow state survives in the session bag
		ep, ok := LoadSession(sess.store, "slot").Get(sessionKeyEndpoint)
		require.True(ok)
		assert.Equal(p.Endpoint(), ep.(Endpoint).URL)
	})
	t.Run("reuses-stored-association", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		p := StartTestProvider(t)
		e := testEngine(p, false)
		s := store.NewMemoryStore()

		first, err := e.Begin(ctx, LoadSession(NewTestSessionStore(), "slot"), s, "https://alice.example/")
		require.NoError(err)
		second, err := e.Begin(ctx, LoadSession(NewTestSessionStore(), "slot"), s, "https://alice.example/")
		require.NoError(err)
		assert.Equal(first.AssocHandle, second.AssocHandle)
	})
	t.Run("degrades-to-stateless-when-negotiation-fails", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		p := StartTestProvider(t)
		p.SetRejectAssociations(true)
		e := testEngine(p, false)

		req, err := e.Begin(ctx, LoadSession(NewTestSessionStore(), "slot"), store.NewMemoryStore(), "https://alice.example/")
		require.NoError(err)
		assert.Empty(req.AssocHandle)
	})
}

func TestWireEngine_Complete_NoSession(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	p := StartTestProvider(t)
	e := testEngine(p, false)

	resp, err := e.Complete(context.Background(), LoadSession(NewTestSessionStore(), "slot"),
		store.NewMemoryStore(), url.Values{}, "https://rp.example/cb")
	require.NoError(err)
	assert.Equal(StatusFailure, resp.Status)
	assert.Contains(resp.Message, "no authentication session")
}

func TestWireEngine_Complete_Modes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// a session mid-flow, as Begin leaves it
	newSession := func(t *testing.T, ep Endpoint) *Session {
		sess := LoadSession(NewTestSessionStore(), "slot")
		sess.Set(sessionKeyEndpoint, ep)
		sess.Set(sessionKeyAssocHandle, "")
		return sess
	}

	tests := []struct {
		name       string
		args       url.Values
		openID1    bool
		wantStatus Status
		wantSetup  string
		wantMsg    string
	}{
		{
			name:       "cancel",
			args:       url.Values{"openid.mode": {modeCancel}},
			wantStatus: StatusCancelled,
		},
		{
			name:       "setup-needed",
			args:       url.Values{"openid.mode": {modeSetupNeeded}},
			wantStatus: StatusSetupNeeded,
		},
		{
			name: "setup-needed-with-url",
			args: url.Values{
				"openid.mode":           {modeSetupNeeded},
				"openid.user_setup_url": {"https://op.example.com/setup"},
			},
			wantStatus: StatusSetupNeeded,
			wantSetup:  "https://op.example.com/setup",
		},
		{
			name: "openid1-immediate-refusal",
			args: url.Values{
				"openid.mode":           {modeIDRes},
				"openid.user_setup_url": {"https://op.example.com/setup"},
			},
			openID1:    true,
			wantStatus: StatusSetupNeeded,
			wantSetup:  "https://op.example.com/setup",
		},
		{
			name: "provider-error",
			args: url.Values{
				"openid.mode":  {modeError},
				"openid.error": {"the sky fell"},
			},
			wantStatus: StatusFailure,
			wantMsg:    "the sky fell",
		},
		{
			name:       "unknown-mode",
			args:       url.Values{"openid.mode": {"renegotiate"}},
			wantStatus: StatusFailure,
			wantMsg:    "renegotiate",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			p := StartTestProvider(t)
			e := testEngine(p, false)
			ep := Endpoint{URL: p.Endpoint(), ClaimedID: "https://alice.example/", LocalID: "https://alice.example/", OpenID1: tt.openID1}
			if !tt.openID1 {
				tt.args.Set("openid.ns", NsOpenID2)
			}

			resp, err := e.Complete(ctx, newSession(t, ep), store.NewMemoryStore(), tt.args, "https://rp.example/cb")
			require.NoError(err)
			assert.Equal(tt.wantStatus, resp.Status)
			assert.Equal(tt.wantSetup, resp.SetupURL)
			if tt.wantMsg != "" {
				assert.Contains(resp.Message, tt.wantMsg)
			}
		})
	}
}

func TestWireEngine_Complete_OpenID1(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	p := StartTestProvider(t)
	e := testEngine(p, false)
	s := store.NewMemoryStore()

	// an OpenID 1.x endpoint and a stored association with a known secret
	assoc := &store.Association{
		Handle:   "legacy-handle",
		Secret:   []byte("0123456789abcdef0123456789abcdef"),
		Type:     AssocHMACSHA256,
		IssuedAt: time.Now(),
		Lifetime: time.Hour,
	}
	require.NoError(s.StoreAssociation(ctx, p.Endpoint(), assoc))

	nonce, err := mintNonce(time.Now())
	require.NoError(err)
	returnTo := "https://rp.example/cb?" + url.Values{openid1NonceArg: {nonce}}.Encode()

	sess := LoadSession(NewTestSessionStore(), "slot")
	sess.Set(sessionKeyEndpoint, Endpoint{
		URL: p.Endpoint(), ClaimedID: "https://alice.example/", LocalID: "https://alice.example/", OpenID1: true,
	})
	sess.Set(sessionKeyAssocHandle, assoc.Handle)

	args := url.Values{}
	args.Set("openid.mode", modeIDRes)
	args.Set("openid.identity", "https://alice.example/")
	args.Set("openid.return_to", returnTo)
	args.Set("openid.assoc_handle", assoc.Handle)
	args.Set("openid.signed", "identity,return_to")
	sig, err := sign(assoc.Type, assoc.Secret, []string{"identity", "return_to"}, args)
	require.NoError(err)
	args.Set("openid.sig", sig)
	args.Set(openid1NonceArg, nonce)

	resp, err := e.Complete(ctx, sess, s, args, "https://rp.example/cb")
	require.NoError(err)
	assert.Equal(StatusSuccess, resp.Status)
	assert.Equal("https://alice.example/", resp.ClaimedID)

	// reusing the relying party's own nonce must fail
	sess2 := LoadSession(NewTestSessionStore(), "slot")
	sess2.Set(sessionKeyEndpoint, Endpoint{
		URL: p.Endpoint(), ClaimedID: "https://alice.example/", LocalID: "https://alice.example/", OpenID1: true,
	})
	resp, err = e.Complete(ctx, sess2, s, args, "https://rp.example/cb")
	require.NoError(err)
	assert.Equal(StatusFailure, resp.Status)
	assert.Contains(resp.Message, "nonce")
}

func TestWireEngine_Complete_OpenID1_Delegation(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	p := StartTestProvider(t)
	e := testEngine(p, false)
	s := store.NewMemoryStore()

	// alice.example delegates to an OP-local identifier; the provider asserts
	// the delegate, the user keeps the identifier discovery started from
	const (
		claimed  = "https://alice.example/"
		delegate = "https://op.example.com/alice"
	)

	assoc := &store.Association{
		Handle:   "legacy-handle",
		Secret:   []byte("0123456789abcdef0123456789abcdef"),
		Type:     AssocHMACSHA256,
		IssuedAt: time.Now(),
		Lifetime: time.Hour,
	}
	require.NoError(s.StoreAssociation(ctx, p.Endpoint(), assoc))

	nonce, err := mintNonce(time.Now())
	require.NoError(err)
	returnTo := "https://rp.example/cb?" + url.Values{openid1NonceArg: {nonce}}.Encode()

	sess := LoadSession(NewTestSessionStore(), "slot")
	sess.Set(sessionKeyEndpoint, Endpoint{
		URL: p.Endpoint(), ClaimedID: claimed, LocalID: delegate, OpenID1: true,
	})
	sess.Set(sessionKeyAssocHandle, assoc.Handle)

	args := url.Values{}
	args.Set("openid.mode", modeIDRes)
	args.Set("openid.identity", delegate)
	args.Set("openid.return_to", returnTo)
	args.Set("openid.assoc_handle", assoc.Handle)
	args.Set("openid.signed", "identity,return_to")
	sig, err := sign(assoc.Type, assoc.Secret, []string{"identity", "return_to"}, args)
	require.NoError(err)
	args.Set("openid.sig", sig)
	args.Set(openid1NonceArg, nonce)

	resp, err := e.Complete(ctx, sess, s, args, "https://rp.example/cb")
	require.NoError(err)
	assert.Equal(StatusSuccess, resp.Status)
	assert.Equal(claimed, resp.ClaimedID)
}

func TestVerifyDiscovered(t *testing.T) {
	t.Parallel()

	ep := func(openID2 bool) *Endpoint {
		return &Endpoint{
			URL:       "https://op.example.com/op",
			ClaimedID: "https://alice.example/",
			LocalID:   "https://op.example.com/alice",
			OpenID1:   !openID2,
		}
	}

	tests := []struct {
		name        string
		args        url.Values
		openID2     bool
		wantClaimed string
		wantFail    string
	}{
		{
			name:        "openid1-delegate-asserted",
			args:        url.Values{"openid.identity": {"https://op.example.com/alice"}},
			wantClaimed: "https://alice.example/",
		},
		{
			name:     "openid1-claimed-asserted-instead-of-delegate",
			args:     url.Values{"openid.identity": {"https://alice.example/"}},
			wantFail: "OP-local",
		},
		{
			name:     "openid1-no-identity",
			args:     url.Values{},
			wantFail: "no identity",
		},
		{
			name: "openid2-delegate-asserted",
			args: url.Values{
				"openid.op_endpoint": {"https://op.example.com/op"},
				"openid.claimed_id":  {"https://alice.example/"},
				"openid.identity":    {"https://op.example.com/alice"},
			},
			openID2:     true,
			wantClaimed: "https://alice.example/",
		},
		{
			name: "openid2-identity-differs-from-discovered",
			args: url.Values{
				"openid.op_endpoint": {"https://op.example.com/op"},
				"openid.claimed_id":  {"https://alice.example/"},
				"openid.identity":    {"https://op.example.com/mallory"},
			},
			openID2:  true,
			wantFail: "OP-local",
		},
		{
			name: "openid2-claimed-id-differs-from-discovered",
			args: url.Values{
				"openid.op_endpoint": {"https://op.example.com/op"},
				"openid.claimed_id":  {"https://mallory.example/"},
				"openid.identity":    {"https://op.example.com/alice"},
			},
			openID2:  true,
			wantFail: "claimed_id",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			p := StartTestProvider(t)
			e := testEngine(p, false)

			claimed, failMsg, err := e.verifyDiscovered(ep(tt.openID2), tt.args, tt.openID2)
			require.NoError(err)
			if tt.wantFail != "" {
				assert.Contains(failMsg, tt.wantFail)
				return
			}
			assert.Empty(failMsg)
			assert.Equal(tt.wantClaimed, claimed)
		})
	}
}

func TestVerifyReturnTo(t *testing.T) {
	t.Parallel()
	base := func() url.Values {
		args := url.Values{}
		args.Set("openid.return_to", "https://rp.example/cb?state=abc")
		args.Set("state", "abc")
		return args
	}

	tests := []struct {
		name       string
		args       url.Values
		requestURL string
		wantOK     bool
	}{
		{name: "match", args: base(), requestURL: "https://rp.example/cb?state=abc&openid.mode=id_res", wantOK: true},
		{name: "host-differs", args: base(), requestURL: "https://evil.example/cb?state=abc", wantOK: false},
		{name: "scheme-differs", args: base(), requestURL: "http://rp.example/cb?state=abc", wantOK: false},
		{name: "path-differs", args: base(), requestURL: "https://rp.example/other?state=abc", wantOK: false},
		{
			name: "query-arg-not-echoed",
			args: url.Values{"openid.return_to": {"https://rp.example/cb?state=abc"}},
			requestURL: "https://rp.example/cb",
			wantOK:     false,
		},
		{
			name: "query-arg-tampered",
			args: url.Values{
				"openid.return_to": {"https://rp.example/cb?state=abc"},
				"state":            {"xyz"},
			},
			requestURL: "https://rp.example/cb",
			wantOK:     false,
		},
		{name: "missing-return-to", args: url.Values{}, requestURL: "https://rp.example/cb", wantOK: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg, ok := verifyReturnTo(tt.args, tt.requestURL)
			assert.Equal(t, tt.wantOK, ok)
			if !tt.wantOK {
				assert.NotEmpty(t, msg)
			}
		})
	}
}

func TestVerifySignedCoverage(t *testing.T) {
	t.Parallel()
	fullArgs := url.Values{
		"openid.claimed_id": {"https://alice.example/"},
		"openid.identity":   {"https://alice.example/"},
	}

	tests := []struct {
		name     string
		signed   []string
		args     url.Values
		openID2  bool
		wantFail bool
	}{
		{
			name:    "openid2-complete",
			signed:  []string{"op_endpoint", "return_to", "response_nonce", "assoc_handle", "claimed_id", "identity"},
			args:    fullArgs,
			openID2: true,
		},
		{
			name:     "openid2-nonce-unsigned",
			signed:   []string{"op_endpoint", "return_to", "assoc_handle", "claimed_id", "identity"},
			args:     fullArgs,
			openID2:  true,
			wantFail: true,
		},
		{
			name:     "openid2-identity-present-but-unsigned",
			signed:   []string{"op_endpoint", "return_to", "response_nonce", "assoc_handle"},
			args:     fullArgs,
			openID2:  true,
			wantFail: true,
		},
		{
			name:    "openid2-no-identity-asserted",
			signed:  []string{"op_endpoint", "return_to", "response_nonce", "assoc_handle"},
			args:    url.Values{},
			openID2: true,
		},
		{
			name:   "openid1-complete",
			signed: []string{"identity", "return_to"},
			args:   fullArgs,
		},
		{
			name:     "openid1-identity-unsigned",
			signed:   []string{"return_to"},
			args:     fullArgs,
			wantFail: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg := verifySignedCoverage(tt.signed, tt.args, tt.openID2)
			if tt.wantFail {
				assert.NotEmpty(t, msg)
			} else {
				assert.Empty(t, msg)
			}
		})
	}
}

func TestDefragment(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	assert.Equal("https://alice.example/", defragment("https://alice.example/#fragment"))
	assert.Equal("https://alice.example/", defragment("https://alice.example/"))
}
