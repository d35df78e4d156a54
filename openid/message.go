package openid

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"math/big"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-uuid"
)

// OpenID 2.0 protocol constants.  See
// https://openid.net/specs/openid-authentication-2_0.html
const (
	NsOpenID2 = "http://specs.openid.net/auth/2.0"

	// IdentifierSelect is used for both the claimed and the OP-local
	// identifier when discovery yielded an OP identifier and the provider
	// picks the identity itself.
	IdentifierSelect = "http://specs.openid.net/auth/2.0/identifier_select"

	modeCheckIDSetup     = "checkid_setup"
	modeCheckIDImmediate = "checkid_immediate"
	modeIDRes            = "id_res"
	modeCancel           = "cancel"
	modeSetupNeeded      = "setup_needed"
	modeError            = "error"
	modeAssociate        = "associate"
	modeCheckAuth        = "check_authentication"

	// AssocHMACSHA1 and AssocHMACSHA256 are the association (MAC) types.
	AssocHMACSHA1   = "HMAC-SHA1"
	AssocHMACSHA256 = "HMAC-SHA256"

	sessionNoEncryption = "no-encryption"
	sessionDHSHA1       = "DH-SHA1"
	sessionDHSHA256     = "DH-SHA256"
)

// nonceTimeLayout is the timestamp prefix of a response nonce: UTC,
// second precision, trailing Z.
const nonceTimeLayout = "2006-01-02T15:04:05Z"

// macHash returns the HMAC constructor for an association type.
func macHash(assocType string) (func() hash.Hash, error) {
	switch assocType {
	case AssocHMACSHA1:
		return sha1.New, nil
	case AssocHMACSHA256:
		return sha256.New, nil
	default:
		return nil, fmt.Errorf("unsupported association type %q: %w", assocType, ErrProtocolError)
	}
}

// parseKeyValueForm decodes the key:value\n encoding used for direct
// responses.
func parseKeyValueForm(body []byte) (map[string]string, error) {
	fields := map[string]string{}
	for _, line := range strings.Split(string(body), "\n") {
		if line == "" {
			continue
		}
		k, v, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("malformed key-value form line %q: %w", line, ErrProtocolError)
		}
		fields[k] = v
	}
	return fields, nil
}

// signatureBase builds the key:value\n base string over the listed fields,
// in list order, with values drawn from the openid.* message arguments.
func signatureBase(signed []string, args url.Values) string {
	var b strings.Builder
	for _, field := range signed {
		b.WriteString(field)
		b.WriteString(":")
		b.WriteString(args.Get("openid." + field))
		b.WriteString("\n")
	}
	return b.String()
}

// sign computes the base64 HMAC over the signed fields.
func sign(assocType string, secret []byte, signed []string, args url.Values) (string, error) {
	newHash, err := macHash(assocType)
	if err != nil {
		return "", err
	}
	mac := hmac.New(newHash, secret)
	mac.Write([]byte(signatureBase(signed, args)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// verifySignature checks openid.sig over the openid.signed field list.
func verifySignature(assocType string, secret []byte, args url.Values) (bool, error) {
	signed := splitSigned(args.Get("openid.signed"))
	if len(signed) == 0 {
		return false, nil
	}
	want, err := sign(assocType, secret, signed, args)
	if err != nil {
		return false, err
	}
	got := args.Get("openid.sig")
	return got != "" && hmac.Equal([]byte(want), []byte(got)), nil
}

func splitSigned(signed string) []string {
	if signed == "" {
		return nil
	}
	return strings.Split(signed, ",")
}

func signedContains(signed []string, field string) bool {
	for _, f := range signed {
		if f == field {
			return true
		}
	}
	return false
}

// mintNonce creates a timestamp+salt nonce of this relying party's own,
// appended to return_to for OpenID 1.x providers, which mint no
// response_nonce themselves.
func mintNonce(now time.Time) (string, error) {
	salt, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("unable to generate nonce salt: %w", err)
	}
	return now.UTC().Format(nonceTimeLayout) + salt, nil
}

// parseNonce splits a nonce into its timestamp and salt.
func parseNonce(nonce string) (time.Time, string, error) {
	if len(nonce) < len(nonceTimeLayout) {
		return time.Time{}, "", fmt.Errorf("nonce %q too short: %w", nonce, ErrProtocolError)
	}
	ts, err := time.Parse(nonceTimeLayout, nonce[:len(nonceTimeLayout)])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("nonce %q has a malformed timestamp: %w", nonce, ErrProtocolError)
	}
	return ts, nonce[len(nonceTimeLayout):], nil
}

// btwoc encodes a non-negative integer in big-endian two's complement, the
// form Diffie-Hellman parameters travel in.
func btwoc(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) == 0 || b[0]&0x80 != 0 {
		b = append([]byte{0}, b...)
	}
	return b
}

// unbtwoc is the inverse of btwoc.
func unbtwoc(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}

// sortedKeys orders message parameters so rendered auto-submit forms list
// their hidden fields deterministically.
func sortedKeys(v url.Values) []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
