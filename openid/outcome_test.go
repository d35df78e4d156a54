package openid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyOutcome(t *testing.T) {
	t.Parallel()
	id := NewIdentifier("https://alice.example/")

	tests := []struct {
		name string
		resp *Response
		id   *Identifier
		want *Outcome
	}{
		{
			name: "success",
			resp: &Response{Status: StatusSuccess, ClaimedID: "https://alice.example/"},
			id:   id,
			want: &Outcome{Status: StatusSuccess, Identifier: id},
		},
		{
			name: "failure-carries-message-and-identity",
			resp: &Response{Status: StatusFailure, Message: "signature invalid", ClaimedID: "https://alice.example/"},
			want: &Outcome{Status: StatusFailure, Message: "signature invalid", IdentityURL: "https://alice.example/"},
		},
		{
			name: "cancelled-carries-nothing",
			resp: &Response{Status: StatusCancelled, Message: "ignored", ClaimedID: "ignored"},
			want: &Outcome{Status: StatusCancelled},
		},
		{
			name: "setup-needed-with-url",
			resp: &Response{Status: StatusSetupNeeded, SetupURL: "https://op.example.com/setup"},
			want: &Outcome{Status: StatusSetupNeeded, SetupURL: "https://op.example.com/setup"},
		},
		{
			name: "setup-needed-without-url",
			resp: &Response{Status: StatusSetupNeeded},
			want: &Outcome{Status: StatusSetupNeeded},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := classifyOutcome(tt.resp, tt.id)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.Status == StatusSuccess, got.Succeeded())
		})
	}

	t.Run("impossible-status-panics", func(t *testing.T) {
		t.Parallel()
		assert.Panics(t, func() {
			classifyOutcome(&Response{Status: Status(42)}, nil)
		})
	})
}

func TestStatus_String(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	assert.Equal("success", StatusSuccess.String())
	assert.Equal("failure", StatusFailure.String())
	assert.Equal("cancelled", StatusCancelled.String())
	assert.Equal("setup needed", StatusSetupNeeded.String())
	assert.Contains(Status(42).String(), "42")
}

func TestIdentifier(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)

	id := NewIdentifier("https://alice.example/")
	assert.Equal("https://alice.example/", id.String())

	_, ok := id.Attribute("sreg.email")
	assert.False(ok)

	id.SetAttribute("sreg.email", "alice@example.com")
	v, ok := id.Attribute("sreg.email")
	require.True(ok)
	assert.Equal("alice@example.com", v)

	// Attributes returns a copy
	attrs := id.Attributes()
	attrs["sreg.email"] = "mallory@example.com"
	v, _ = id.Attribute("sreg.email")
	assert.Equal("alice@example.com", v)

	assert.True(id.Equal(NewIdentifier("https://alice.example/")))
	assert.False(id.Equal(NewIdentifier("https://bob.example/")))
	assert.False(id.Equal(nil))
	var nilID *Identifier
	assert.True(nilID.Equal(nil))
}
