package openid

// Identifier is a verified claimed identity: the normalized identity URL or,
// when the provider supplied one, its canonical (persistent) ID.  The
// identifier string is fixed at construction; extension providers may attach
// attributes they parsed out of the response.
type Identifier struct {
	id    string
	attrs map[string]string
}

// NewIdentifier wraps a verified claimed-identity string.
func NewIdentifier(id string) *Identifier {
	return &Identifier{
		id:    id,
		attrs: map[string]string{},
	}
}

// String returns the normalized identity string.
func (i *Identifier) String() string {
	return i.id
}

// Equal reports whether two identifiers name the same identity, which is
// defined by their normalized string forms matching.
func (i *Identifier) Equal(other *Identifier) bool {
	if i == nil || other == nil {
		return i == other
	}
	return i.id == other.id
}

// SetAttribute attaches extension-provided data to the identifier.
func (i *Identifier) SetAttribute(name, value string) {
	i.attrs[name] = value
}

// Attribute returns an attached attribute value.
func (i *Identifier) Attribute(name string) (string, bool) {
	v, ok := i.attrs[name]
	return v, ok
}

// Attributes returns a copy of all attached attributes.
func (i *Identifier) Attributes() map[string]string {
	cp := make(map[string]string, len(i.attrs))
	for k, v := range i.attrs {
		cp[k] = v
	}
	return cp
}
