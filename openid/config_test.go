package openid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		c, err := NewConfig("https://rp.example/app")
		require.NoError(err)
		assert.Equal("https://rp.example/app", c.BaseURL)
		assert.True(c.AbsoluteTrustRoot)
		assert.Equal(DefaultSessionKey, c.SessionKey)
		assert.Empty(c.Extensions)
	})
	t.Run("options", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		sreg := &fakeExtension{}
		c, err := NewConfig("https://rp.example/app",
			WithAbsoluteTrustRoot(false),
			WithSessionKey("custom_slot"),
			WithExtensions(sreg),
			WithProviderCA("pem"),
		)
		require.NoError(err)
		assert.False(c.AbsoluteTrustRoot)
		assert.Equal("custom_slot", c.SessionKey)
		require.Len(c.Extensions, 1)
		assert.Same(sreg, c.Extensions[0])
		assert.Equal("pem", c.ProviderCA)
	})

	invalid := []struct {
		name    string
		baseURL string
		opt     []Option
	}{
		{name: "empty-base-url", baseURL: ""},
		{name: "no-scheme", baseURL: "rp.example/app"},
		{name: "no-host", baseURL: "https://"},
		{name: "empty-session-key", baseURL: "https://rp.example/", opt: []Option{WithSessionKey("")}},
	}
	for _, tt := range invalid {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewConfig(tt.baseURL, tt.opt...)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidParameter)
		})
	}
}

func TestConfig_TrustRoot(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		baseURL  string
		absolute bool
		want     string
	}{
		{
			name:     "absolute-widens-mounted-path",
			baseURL:  "https://rp.example/proj",
			absolute: true,
			want:     "https://rp.example/",
		},
		{
			name:     "relative-keeps-mounted-path",
			baseURL:  "https://rp.example/proj",
			absolute: false,
			want:     "https://rp.example/proj/",
		},
		{
			name:     "relative-trailing-slash",
			baseURL:  "https://rp.example/proj/",
			absolute: false,
			want:     "https://rp.example/proj/",
		},
		{
			name:     "root-mount",
			baseURL:  "http://rp.example:8080",
			absolute: false,
			want:     "http://rp.example:8080/",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, err := NewConfig(tt.baseURL, WithAbsoluteTrustRoot(tt.absolute))
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.TrustRoot())
		})
	}
}
