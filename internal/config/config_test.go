package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mujmap.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
username = "alice"
password_command = "echo secret"
fqdn = "fastmail.com"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), cfg.ConcurrentDownloads)
	assert.Equal(t, uint64(5), cfg.Timeout)
	assert.True(t, cfg.AutoCreateNewMailboxes)
	assert.Equal(t, "/", cfg.Tags.DirectorySeparator)
	assert.Equal(t, "inbox", cfg.Tags.Inbox)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
username = "alice"
password_command = "echo secret"
fqdn = "fastmail.com"
concurrent_downloads = 2

[tags]
inbox = "Inbox"
directory_separator = "."
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cfg.ConcurrentDownloads)
	assert.Equal(t, "Inbox", cfg.Tags.Inbox)
	assert.Equal(t, ".", cfg.Tags.DirectorySeparator)
}

func TestLoad_MissingRequiredFieldsAggregatesProblems(t *testing.T) {
	path := writeConfig(t, "")
	_, err := Load(path)
	require.Error(t, err)
	verr, ok := err.(*ValidationError)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(verr.Problems), 3)
}

func TestLoad_RejectsBothFqdnAndSessionUrl(t *testing.T) {
	path := writeConfig(t, `
username = "alice"
password_command = "echo secret"
fqdn = "fastmail.com"
session_url = "https://example.com/jmap/session"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not specify both")
}

func TestLoad_MissingFileIsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestAuthUsername_TruncatesAtColon(t *testing.T) {
	cfg := &Config{Username: "alice:app-password-label"}
	assert.Equal(t, "alice", cfg.AuthUsername())

	cfg2 := &Config{Username: "alice"}
	assert.Equal(t, "alice", cfg2.AuthUsername())
}

func TestPassword_RunsShellCommand(t *testing.T) {
	cfg := &Config{PasswordCommand: "echo '  hunter2  '"}
	pw, err := cfg.Password()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pw)
}

func TestPassword_FailingCommandReturnsError(t *testing.T) {
	cfg := &Config{PasswordCommand: "exit 1"}
	_, err := cfg.Password()
	require.Error(t, err)
}

func TestResolveDirs_DefaultsRelativeToConfigDir(t *testing.T) {
	cfg := &Config{}
	dirs, err := cfg.ResolveDirs("/etc/jmapsync")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/etc/jmapsync", "mail"), dirs.Mail)
	assert.Equal(t, "/etc/jmapsync", dirs.State)
	assert.NotEmpty(t, dirs.Cache)
}

func TestResolveDirs_ExplicitOverridesWin(t *testing.T) {
	cfg := &Config{CacheDir: "/cache", MailDir: "/mail", StateDir: "/state"}
	dirs, err := cfg.ResolveDirs("/etc/jmapsync")
	require.NoError(t, err)
	assert.Equal(t, "/cache", dirs.Cache)
	assert.Equal(t, "/mail", dirs.Mail)
	assert.Equal(t, "/state", dirs.State)
}
