package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "repertory.yaml")
	require.NoError(t, os.WriteFile(p, []byte(yaml), 0o644))
	return p
}

func TestLoadAppliesDefaults(t *testing.T) {
	p := writeTempConfig(t, "cache_dir: /tmp/cache\nprovider: s3\ns3:\n  bucket: mybucket\n")
	cfg, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, int64(8*1024*1024), cfg.ChunkSize)
	require.True(t, cfg.UseRingBuffer)
	require.Equal(t, "mybucket", cfg.S3.Bucket)
}

func TestLoadRejectsMissingProvider(t *testing.T) {
	p := writeTempConfig(t, "cache_dir: /tmp/cache\n")
	_, err := Load(p)
	require.Error(t, err)
}

func TestValidateRejectsS3WithoutBucket(t *testing.T) {
	cfg := &Config{CacheDir: "/tmp/cache", ChunkSize: 1, Provider: ProviderS3}
	err := Validate(cfg)
	require.Error(t, err)
}

func TestValidateAcceptsSiaWithEmptyOptions(t *testing.T) {
	cfg := &Config{CacheDir: "/tmp/cache", ChunkSize: 1, Provider: ProviderSia}
	require.NoError(t, Validate(cfg))
}

func TestValidateRejectsRemoteWithoutAddr(t *testing.T) {
	cfg := &Config{CacheDir: "/tmp/cache", ChunkSize: 1, Provider: ProviderRemote}
	err := Validate(cfg)
	require.Error(t, err)
}

func TestLoadHonorsEnvironmentOverride(t *testing.T) {
	p := writeTempConfig(t, "cache_dir: /tmp/cache\nprovider: s3\ns3:\n  bucket: mybucket\n")
	t.Setenv("REPERTORY_CHUNK_SIZE", "1048576")
	cfg, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, int64(1048576), cfg.ChunkSize)
}
