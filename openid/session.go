package openid

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
)

// SessionStore is the single named slot this package uses in the host
// application's per-user web session.  The value is base64 text, safe for
// text-only session mechanisms.  Implementations must persist across the
// redirect round-trip to the identity provider.
type SessionStore interface {
	// Get returns the stored value for key, and whether one exists.
	Get(key string) (string, bool)

	// Set stores value under key.
	Set(key, value string)

	// Delete removes key entirely.
	Delete(key string)
}

// Session is a durable key-value bag scoped to one user's in-progress
// authentication.  Values may be any gob-encodable structure, not just
// strings.  Every mutation immediately re-encodes the full bag back into the
// underlying SessionStore; when the bag empties, the slot is removed rather
// than stored as an empty encoding.
type Session struct {
	store  SessionStore
	key    string
	values map[string]interface{}
}

// LoadSession loads the bag stored under key, or an empty bag.  A missing
// key, a corrupt payload or an undecodable value all mean "no prior state";
// they are never an error, since a broken session should simply restart the
// flow cleanly.
func LoadSession(store SessionStore, key string) *Session {
	s := &Session{
		store:  store,
		key:    key,
		values: map[string]interface{}{},
	}
	encoded, ok := store.Get(key)
	if !ok {
		return s
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return s
	}
	var values map[string]interface{}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&values); err != nil {
		s.values = map[string]interface{}{}
		return s
	}
	s.values = values
	return s
}

// Get returns the value stored under name.
func (s *Session) Get(name string) (interface{}, bool) {
	v, ok := s.values[name]
	return v, ok
}

// GetString returns the string stored under name, or "" when absent or not
// a string.
func (s *Session) GetString(name string) string {
	v, _ := s.values[name].(string)
	return v
}

// Len returns the number of stored values.
func (s *Session) Len() int {
	return len(s.values)
}

// Set stores value under name.
func (s *Session) Set(name string, value interface{}) {
	s.values[name] = value
	s.save()
}

// Delete removes name.
func (s *Session) Delete(name string) {
	delete(s.values, name)
	s.save()
}

// Pop removes and returns the value stored under name.
func (s *Session) Pop(name string) (interface{}, bool) {
	v, ok := s.values[name]
	if ok {
		delete(s.values, name)
		s.save()
	}
	return v, ok
}

// SetDefault stores value under name unless one exists, and returns the
// stored value.
func (s *Session) SetDefault(name string, value interface{}) interface{} {
	if v, ok := s.values[name]; ok {
		return v
	}
	s.values[name] = value
	s.save()
	return value
}

// Clear removes every value and the underlying session slot.
func (s *Session) Clear() {
	s.values = map[string]interface{}{}
	s.save()
}

// save re-encodes the bag into the session slot.  Encoding failures drop the
// slot: a bag that cannot round-trip must not linger as stale state.
func (s *Session) save() {
	if len(s.values) == 0 {
		s.store.Delete(s.key)
		return
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.values); err != nil {
		s.store.Delete(s.key)
		return
	}
	s.store.Set(s.key, base64.StdEncoding.EncodeToString(buf.Bytes()))
}
