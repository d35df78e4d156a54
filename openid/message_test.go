package openid

import (
	"math/big"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeyValueForm(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		body    string
		want    map[string]string
		wantErr error
	}{
		{
			name: "valid",
			body: "ns:http://specs.openid.net/auth/2.0\nassoc_handle:h1\nexpires_in:3600\n",
			want: map[string]string{
				"ns":           "http://specs.openid.net/auth/2.0",
				"assoc_handle": "h1",
				"expires_in":   "3600",
			},
		},
		{
			name: "value-contains-colon",
			body: "op_endpoint:https://op.example.com/endpoint\n",
			want: map[string]string{"op_endpoint": "https://op.example.com/endpoint"},
		},
		{
			name: "empty",
			body: "",
			want: map[string]string{},
		},
		{
			name:    "line-without-colon",
			body:    "ns:http://specs.openid.net/auth/2.0\ngarbage\n",
			wantErr: ErrProtocolError,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			got, err := parseKeyValueForm([]byte(tt.body))
			if tt.wantErr != nil {
				require.Error(err)
				assert.ErrorIs(err, tt.wantErr)
				return
			}
			require.NoError(err)
			assert.Equal(tt.want, got)
		})
	}
}

func TestSignAndVerify(t *testing.T) {
	t.Parallel()
	secret := []byte("0123456789abcdef0123456789abcdef")
	signed := []string{"op_endpoint", "return_to", "response_nonce", "assoc_handle"}
	args := url.Values{}
	args.Set("openid.op_endpoint", "https://op.example.com/endpoint")
	args.Set("openid.return_to", "https://rp.example/cb")
	args.Set("openid.response_nonce", "2026-08-27T10:00:00Zsalt")
	args.Set("openid.assoc_handle", "h1")
	args.Set("openid.signed", "op_endpoint,return_to,response_nonce,assoc_handle")

	for _, assocType := range []string{AssocHMACSHA1, AssocHMACSHA256} {
		assocType := assocType
		t.Run(assocType, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			sig, err := sign(assocType, secret, signed, args)
			require.NoError(err)
			require.NotEmpty(sig)

			good := url.Values{}
			for k, vs := range args {
				good[k] = vs
			}
			good.Set("openid.sig", sig)
			ok, err := verifySignature(assocType, secret, good)
			require.NoError(err)
			assert.True(ok)

			// tampering with a signed field must break the signature
			tampered := url.Values{}
			for k, vs := range good {
				tampered[k] = vs
			}
			tampered.Set("openid.return_to", "https://evil.example/cb")
			ok, err = verifySignature(assocType, secret, tampered)
			require.NoError(err)
			assert.False(ok)

			// so must a wrong secret
			ok, err = verifySignature(assocType, []byte("another-secret-another-secret!!!"), good)
			require.NoError(err)
			assert.False(ok)
		})
	}

	t.Run("missing-signed-list", func(t *testing.T) {
		t.Parallel()
		ok, err := verifySignature(AssocHMACSHA256, secret, url.Values{})
		require.NoError(t, err)
		assert.False(t, ok)
	})
	t.Run("unknown-assoc-type", func(t *testing.T) {
		t.Parallel()
		_, err := sign("HMAC-MD5", secret, signed, args)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrProtocolError)
	})
}

func TestSignatureBase(t *testing.T) {
	t.Parallel()
	args := url.Values{}
	args.Set("openid.a", "1")
	args.Set("openid.b", "2")
	// list order, not lexical order, defines the base string
	assert.Equal(t, "b:2\na:1\n", signatureBase([]string{"b", "a"}, args))
}

func TestNonce(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	now := time.Date(2026, 8, 27, 10, 30, 0, 0, time.UTC)

	nonce, err := mintNonce(now)
	require.NoError(err)
	assert.True(len(nonce) > len(nonceTimeLayout))

	ts, salt, err := parseNonce(nonce)
	require.NoError(err)
	assert.True(ts.Equal(now))
	assert.NotEmpty(salt)

	// two mints never collide
	other, err := mintNonce(now)
	require.NoError(err)
	assert.NotEqual(nonce, other)

	// non-UTC clocks still produce the canonical wire form
	offset := now.In(time.FixedZone("CEST", 2*60*60))
	nonce, err = mintNonce(offset)
	require.NoError(err)
	ts, _, err = parseNonce(nonce)
	require.NoError(err)
	assert.True(ts.Equal(now))
}

func TestParseNonce_Malformed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		nonce string
	}{
		{"empty", ""},
		{"too-short", "2026-08-27"},
		{"bad-timestamp", "2026-13-45T99:99:99Zsalt"},
		{"no-zulu", "2026-08-27T10:30:00+salt1"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := parseNonce(tt.nonce)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProtocolError)
		})
	}
}

func TestBtwoc(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		n    *big.Int
		want []byte
	}{
		{"zero", big.NewInt(0), []byte{0}},
		{"small", big.NewInt(127), []byte{127}},
		{"high-bit-needs-padding", big.NewInt(128), []byte{0, 128}},
		{"two-bytes", big.NewInt(0x0102), []byte{1, 2}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert := assert.New(t)
			got := btwoc(tt.n)
			assert.Equal(tt.want, got)
			assert.Zero(tt.n.Cmp(unbtwoc(got)))
		})
	}
}

func TestSignedContains(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	signed := splitSigned("op_endpoint,return_to,sreg.email")
	assert.True(signedContains(signed, "return_to"))
	assert.True(signedContains(signed, "sreg.email"))
	assert.False(signedContains(signed, "identity"))
	assert.Empty(splitSigned(""))
}
