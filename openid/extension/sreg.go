// Package extension holds concrete openid.ExtensionProvider implementations.
package extension

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-openid/rp/openid"
)

// SReg namespace URIs.  Providers advertise 1.0 or 1.1; requests use 1.1 and
// responses are accepted under either.
const (
	SRegNs10 = "http://openid.net/sreg/1.0"
	SRegNs11 = "http://openid.net/extensions/sreg/1.1"

	sregAlias = "sreg"
)

// sregFields is the complete field set Simple Registration 1.1 defines.
var sregFields = map[string]bool{
	"nickname": true,
	"email":    true,
	"fullname": true,
	"dob":      true,
	"gender":   true,
	"postcode": true,
	"country":  true,
	"language": true,
	"timezone": true,
}

// SReg is an ExtensionProvider implementing the Simple Registration
// extension: it asks the provider for profile fields and attaches the signed
// values of the response to the verified identifier, prefixed "sreg.".
type SReg struct {
	required []string
	optional []string
}

var _ openid.ExtensionProvider = (*SReg)(nil)

// NewSReg builds an SReg provider requesting the given profile fields.
// Fields listed as required make ParseResponse refuse responses that omit
// them; optional fields are attached when present.  Unknown field names are
// rejected.
func NewSReg(required, optional []string) (*SReg, error) {
	const op = "extension.NewSReg"
	for _, f := range append(append([]string{}, required...), optional...) {
		if !sregFields[f] {
			return nil, fmt.Errorf("%s: %q is not a simple registration field: %w",
				op, f, openid.ErrInvalidParameter)
		}
	}
	if len(required)+len(optional) == 0 {
		return nil, fmt.Errorf("%s: no fields requested: %w", op, openid.ErrInvalidParameter)
	}
	return &SReg{
		required: append([]string(nil), required...),
		optional: append([]string(nil), optional...),
	}, nil
}

// AddToRequest implements openid.ExtensionProvider.
func (s *SReg) AddToRequest(_ context.Context, req *openid.AuthRequest) error {
	req.AddExtension(sregAlias, SRegNs11)
	if len(s.required) > 0 {
		req.SetExtensionArg(sregAlias, "required", strings.Join(s.required, ","))
	}
	if len(s.optional) > 0 {
		req.SetExtensionArg(sregAlias, "optional", strings.Join(s.optional, ","))
	}
	return nil
}

// ParseResponse implements openid.ExtensionProvider.  Only fields covered by
// the response signature are trusted; a missing or unsigned required field
// refuses the response.
func (s *SReg) ParseResponse(_ context.Context, resp *openid.Response, id *openid.Identifier) error {
	const op = "extension.(SReg).ParseResponse"
	alias := responseAlias(resp)
	for _, f := range s.required {
		v, ok := signedValue(resp, alias, f)
		if !ok {
			return fmt.Errorf("%s: required field %q missing or unsigned: %w",
				op, f, openid.ErrProtocolError)
		}
		id.SetAttribute(sregAlias+"."+f, v)
	}
	for _, f := range s.optional {
		if v, ok := signedValue(resp, alias, f); ok {
			id.SetAttribute(sregAlias+"."+f, v)
		}
	}
	return nil
}

// responseAlias finds the alias the provider declared for the sreg namespace.
// OpenID 1.x responses predate namespace declarations and use the bare
// "sreg" alias, which is also the fallback.
func responseAlias(resp *openid.Response) string {
	const nsPrefix = "openid.ns."
	for k, vs := range resp.Fields {
		if !strings.HasPrefix(k, nsPrefix) || len(vs) == 0 {
			continue
		}
		if vs[0] == SRegNs10 || vs[0] == SRegNs11 {
			return k[len(nsPrefix):]
		}
	}
	return sregAlias
}

// signedValue returns the field's value when it is present and covered by
// the signature.
func signedValue(resp *openid.Response, alias, field string) (string, bool) {
	name := alias + "." + field
	if !resp.IsSigned(name) {
		return "", false
	}
	v := resp.Fields.Get("openid." + name)
	if v == "" {
		return "", false
	}
	return v, true
}
