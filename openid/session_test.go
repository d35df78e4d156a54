package openid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_RoundTrip(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	store := NewTestSessionStore()

	bag := LoadSession(store, "slot")
	assert.Zero(bag.Len())

	bag.Set("name", "alice")
	bag.Set("attempts", 3)
	bag.Set("endpoint", Endpoint{URL: "https://op.example.com/", ClaimedID: "https://alice.example/"})

	// every mutation persisted: a fresh load sees everything
	reloaded := LoadSession(store, "slot")
	require.Equal(3, reloaded.Len())
	assert.Equal("alice", reloaded.GetString("name"))

	v, ok := reloaded.Get("attempts")
	require.True(ok)
	assert.Equal(3, v)

	v, ok = reloaded.Get("endpoint")
	require.True(ok)
	ep, ok := v.(Endpoint)
	require.True(ok)
	assert.Equal("https://op.example.com/", ep.URL)
	assert.Equal("https://alice.example/", ep.ClaimedID)
}

func TestSession_EmptyBagDeletesSlot(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	store := NewTestSessionStore()

	bag := LoadSession(store, "slot")
	bag.Set("name", "alice")
	_, ok := store.Get("slot")
	require.True(ok)

	bag.Delete("name")
	_, ok = store.Get("slot")
	assert.False(ok, "an emptied bag must remove its slot, not store an empty encoding")

	bag.Set("name", "alice")
	bag.Clear()
	_, ok = store.Get("slot")
	assert.False(ok)
}

func TestSession_CorruptPayloadMeansEmpty(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		payload string
	}{
		{"not-base64", "%%% not base64 %%%"},
		{"not-gob", "bm90IGEgZ29iIHN0cmVhbQ=="},
		{"empty", ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := NewTestSessionStore()
			store.Set("slot", tt.payload)
			bag := LoadSession(store, "slot")
			assert.Zero(t, bag.Len(), "a broken session must load as an empty bag")
		})
	}
}

func TestSession_Pop(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	store := NewTestSessionStore()

	bag := LoadSession(store, "slot")
	bag.Set("name", "alice")

	v, ok := bag.Pop("name")
	require.True(ok)
	assert.Equal("alice", v)
	_, ok = bag.Get("name")
	assert.False(ok)
	assert.Zero(LoadSession(store, "slot").Len(), "pop must persist the removal")

	_, ok = bag.Pop("name")
	assert.False(ok)
}

func TestSession_SetDefault(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	store := NewTestSessionStore()

	bag := LoadSession(store, "slot")
	assert.Equal("first", bag.SetDefault("name", "first"))
	assert.Equal("first", bag.SetDefault("name", "second"))
	assert.Equal("first", LoadSession(store, "slot").GetString("name"))
}

func TestSession_IndependentSlots(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	store := NewTestSessionStore()

	a := LoadSession(store, "a")
	b := LoadSession(store, "b")
	a.Set("name", "alice")
	b.Set("name", "bob")

	assert.Equal("alice", LoadSession(store, "a").GetString("name"))
	assert.Equal("bob", LoadSession(store, "b").GetString("name"))
}
