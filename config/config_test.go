package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	require := require.New(t)
	c := NewConfig(WithRootDir(t.TempDir()))
	require.Equal(5, c.CommitRetryLimit)
	require.Equal(7, c.CredentialWindowDays)
	require.Equal(BackendSQL, c.CredentialBackend)
	require.Equal(BackendSQL, c.JobBackend)
	require.NotNil(c.Logger("test"))
}

func TestLoadYAML(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "mirror.yaml")
	require.Nil(os.WriteFile(path, []byte(`
decrypt_timeout_ms: 1000
credential_backend: redis
redis_addr: localhost:6379
job_backend: nats
nats_url: nats://localhost:4222
heya_host: heya.example.com
`), 0o600))

	c, err := Load(path, WithRootDir(dir))
	require.Nil(err)
	require.Equal(int64(1000), c.DecryptTimeoutMs)
	require.Equal(BackendRedis, c.CredentialBackend)
	require.Equal("localhost:6379", c.RedisAddr)
	require.Equal(BackendNATS, c.JobBackend)
	require.Equal("mirror.jobs", c.NatsSubject)
	require.Equal(dir, c.RootDir)
	require.Equal("heya.example.com", c.HeyaHost)
	require.Equal(8337, c.HeyaPort)
}

func TestLoadMissingFile(t *testing.T) {
	require := require.New(t)
	c, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Nil(err)
	require.Equal(int64(300000), c.DecryptTimeoutMs)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	require := require.New(t)
	path := filepath.Join(t.TempDir(), "mirror.yaml")
	require.Nil(os.WriteFile(path, []byte("job_backend: kafka\n"), 0o600))
	_, err := Load(path)
	require.Error(err)
}
