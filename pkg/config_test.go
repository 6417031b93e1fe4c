package pkg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfig(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(file, []byte(`
type: server
address: 0.0.0.0:9000
backend: inotify
recursive: false
path: /srv/legacy
paths:
  - /srv/a
  - /srv/b
log:
  color: true
server:
  pwfile: users.pw
  queue: 8
  tls:
    cert: cert.pem
    key: key.pem
`), 0o644))

	c, err := ReadConfig(file)
	require.NoError(t, err, "read configuration.")

	assert.Equal(t, ServerType, c.ServiceType)
	assert.Equal(t, "0.0.0.0:9000", c.Address)
	assert.Equal(t, "inotify", c.Backend)
	assert.False(t, c.IsRecursive())
	assert.Equal(t, []string{"/srv/legacy", "/srv/a", "/srv/b"}, c.Roots())
	assert.True(t, c.Log.Color)
	assert.Equal(t, DefaultLogPrefix, c.Log.Prefix)
	assert.Equal(t, "users.pw", c.Server.PwFile)
	assert.Equal(t, 8, c.Server.Queue)
	assert.Equal(t, ServerTLSConfig{Cert: "cert.pem", Key: "key.pem"}, c.Server.TLS)
}

func TestParseConfig_Defaults(t *testing.T) {
	c, err := ParseConfig([]byte("paths: [/tmp]\n"))
	require.NoError(t, err)

	assert.Equal(t, WatchType, c.ServiceType)
	assert.Equal(t, "fsnotify", c.Backend)
	assert.True(t, c.IsRecursive(), "recursive is the default.")
	assert.Empty(t, c.Address, "watch mode does not listen.")
	assert.Equal(t, DefaultQueueSize, c.Server.Queue)

	c, err = ParseConfig([]byte("type: client\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultAddress, c.Address)
	assert.Empty(t, c.Roots(), "a client watches nothing locally.")
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "no paths", yaml: "type: watch\n"},
		{name: "server without paths", yaml: "type: server\n"},
		{name: "unknown type", yaml: "type: mirror\npaths: [/tmp]\n"},
		{name: "unknown backend", yaml: "backend: kqueue\npaths: [/tmp]\n"},
		{name: "half tls", yaml: "type: server\npaths: [/tmp]\nserver:\n  tls:\n    cert: c.pem\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := ParseConfig([]byte("paths: [unterminated\n"))
	assert.Error(t, err, "malformed yaml.")

	_, err = ReadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
