package openid

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/go-openid/rp/openid/store"
)

// Default Diffie-Hellman modulus and generator from the OpenID 2.0 spec,
// appendix B.
var (
	dhDefaultGen     = big.NewInt(2)
	dhDefaultModulus = mustParseHex(
		"DCF93A0B883972EC0E19989AC5A2CE310E1D37717E8D9571BB7623731866" +
			"E61EF75A2E27898B057F9891C2E27A639C3F29B60814581CD3B2CA3986" +
			"D2683705577D45C2E7E52DC81C7A171876E5CEA74B1448BFDFAF18828E" +
			"FD2519F14E45E3826634AF1949E5B535CC829A483B8A76223E5D490A25" +
			"7F05BDFF16F2FB22C583AB")
)

func mustParseHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("openid: bad built-in DH modulus")
	}
	return n
}

// associator negotiates shared secrets with providers via direct associate
// requests.  It prefers HMAC-SHA256 keys exchanged over DH-SHA256 and honors
// a provider's unsupported-type counter-offer once.
type associator struct {
	client *http.Client
	now    func() time.Time
	logger hclog.Logger
}

// associate negotiates a new association with the provider at endpointURL.
func (a *associator) associate(ctx context.Context, endpointURL string) (*store.Association, error) {
	const op = "openid.(associator).associate"
	assocType, sessionType := AssocHMACSHA256, sessionDHSHA256

	assoc, retryAssoc, retrySession, err := a.tryAssociate(ctx, endpointURL, assocType, sessionType)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if assoc != nil {
		return assoc, nil
	}
	// provider counter-offered; retry once with its supported types
	if !supportedAssocType(retryAssoc) || !supportedSessionType(retrySession, endpointURL) {
		return nil, fmt.Errorf("%s: provider offers no supported association type (%q/%q): %w",
			op, retryAssoc, retrySession, ErrProtocolError)
	}
	a.logger.Debug("retrying association with provider-offered types",
		"assoc_type", retryAssoc, "session_type", retrySession)
	assoc, _, _, err = a.tryAssociate(ctx, endpointURL, retryAssoc, retrySession)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if assoc == nil {
		return nil, fmt.Errorf("%s: provider rejected its own offered association types: %w",
			op, ErrProtocolError)
	}
	return assoc, nil
}

// tryAssociate performs one associate exchange.  On an unsupported-type
// error it returns the provider's counter-offer instead of an error.
func (a *associator) tryAssociate(ctx context.Context, endpointURL, assocType, sessionType string) (assoc *store.Association, retryAssoc, retrySession string, err error) {
	params := url.Values{}
	params.Set("openid.ns", NsOpenID2)
	params.Set("openid.mode", modeAssociate)
	params.Set("openid.assoc_type", assocType)
	params.Set("openid.session_type", sessionType)

	var priv *big.Int
	if sessionType == sessionDHSHA1 || sessionType == sessionDHSHA256 {
		var pub *big.Int
		priv, pub, err = dhKeyPair()
		if err != nil {
			return nil, "", "", err
		}
		params.Set("openid.dh_modulus", base64.StdEncoding.EncodeToString(btwoc(dhDefaultModulus)))
		params.Set("openid.dh_gen", base64.StdEncoding.EncodeToString(btwoc(dhDefaultGen)))
		params.Set("openid.dh_consumer_public", base64.StdEncoding.EncodeToString(btwoc(pub)))
	}

	fields, err := directRequest(ctx, a.client, endpointURL, params)
	if err != nil {
		return nil, "", "", err
	}
	if errMsg, failed := fields["error"]; failed {
		if fields["error_code"] == "unsupported-type" {
			return nil, fields["assoc_type"], fields["session_type"], nil
		}
		return nil, "", "", fmt.Errorf("provider refused association: %s: %w", errMsg, ErrProtocolError)
	}

	handle := fields["assoc_handle"]
	expiresIn, convErr := strconv.Atoi(fields["expires_in"])
	if handle == "" || convErr != nil || expiresIn <= 0 {
		return nil, "", "", fmt.Errorf("malformed association response: %w", ErrProtocolError)
	}
	secret, err := extractMACKey(fields, sessionType, priv)
	if err != nil {
		return nil, "", "", err
	}
	return &store.Association{
		Handle:   handle,
		Secret:   secret,
		Type:     assocType,
		IssuedAt: a.now(),
		Lifetime: time.Duration(expiresIn) * time.Second,
	}, "", "", nil
}

func dhKeyPair() (priv, pub *big.Int, err error) {
	// private key in [1, p-2]
	max := new(big.Int).Sub(dhDefaultModulus, big.NewInt(2))
	priv, err = rand.Int(rand.Reader, max)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to generate DH key: %w", err)
	}
	priv.Add(priv, big.NewInt(1))
	pub = new(big.Int).Exp(dhDefaultGen, priv, dhDefaultModulus)
	return priv, pub, nil
}

// extractMACKey recovers the association secret from the response fields,
// undoing the DH blinding when a DH session type was used.
func extractMACKey(fields map[string]string, sessionType string, priv *big.Int) ([]byte, error) {
	switch sessionType {
	case sessionNoEncryption:
		secret, err := base64.StdEncoding.DecodeString(fields["mac_key"])
		if err != nil {
			return nil, fmt.Errorf("malformed mac_key: %w", ErrProtocolError)
		}
		return secret, nil
	case sessionDHSHA1, sessionDHSHA256:
		serverPubRaw, err := base64.StdEncoding.DecodeString(fields["dh_server_public"])
		if err != nil {
			return nil, fmt.Errorf("malformed dh_server_public: %w", ErrProtocolError)
		}
		encMAC, err := base64.StdEncoding.DecodeString(fields["enc_mac_key"])
		if err != nil {
			return nil, fmt.Errorf("malformed enc_mac_key: %w", ErrProtocolError)
		}
		shared := new(big.Int).Exp(unbtwoc(serverPubRaw), priv, dhDefaultModulus)
		var digest []byte
		if sessionType == sessionDHSHA1 {
			d := sha1.Sum(btwoc(shared))
			digest = d[:]
		} else {
			d := sha256.Sum256(btwoc(shared))
			digest = d[:]
		}
		if len(encMAC) != len(digest) {
			return nil, fmt.Errorf("enc_mac_key length %d does not match session type %s: %w",
				len(encMAC), sessionType, ErrProtocolError)
		}
		secret := make([]byte, len(encMAC))
		for i := range encMAC {
			secret[i] = encMAC[i] ^ digest[i]
		}
		return secret, nil
	default:
		return nil, fmt.Errorf("unsupported session type %q: %w", sessionType, ErrProtocolError)
	}
}

func supportedAssocType(t string) bool {
	return t == AssocHMACSHA1 || t == AssocHMACSHA256
}

func supportedSessionType(t, endpointURL string) bool {
	switch t {
	case sessionDHSHA1, sessionDHSHA256:
		return true
	case sessionNoEncryption:
		// a bare MAC key may only travel over an encrypted channel
		return strings.HasPrefix(endpointURL, "https://")
	default:
		return false
	}
}

// directRequest POSTs a direct message to the provider and decodes the
// key-value form reply.  Error replies (HTTP 400 with an error field) are
// returned as fields, not errors, so callers can inspect error_code.
func directRequest(ctx context.Context, client *http.Client, endpointURL string, params url.Values) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL,
		strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("unable to build direct request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("direct request to %s failed: %w", endpointURL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("unable to read direct response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		return nil, fmt.Errorf("direct request to %s returned status %d: %w",
			endpointURL, resp.StatusCode, ErrProtocolError)
	}
	fields, err := parseKeyValueForm(body)
	if err != nil {
		return nil, err
	}
	return fields, nil
}
