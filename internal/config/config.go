// Package config loads and validates the mujmap.toml-equivalent
// configuration file (§6) and resolves the account password via the
// configured shell pipeline.
package config

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Tags holds the per-role tag names and the two tag-derivation globals
// from §4.3.
type Tags struct {
	Lowercase          bool   `toml:"lowercase"`
	DirectorySeparator string `toml:"directory_separator"`
	Inbox              string `toml:"inbox"`
	Deleted            string `toml:"deleted"`
	Sent               string `toml:"sent"`
	Spam               string `toml:"spam"`
	Important          string `toml:"important"`
	Phishing           string `toml:"phishing"`
}

// Config is the parsed, defaulted, validated contents of mujmap.toml.
type Config struct {
	Username         string `toml:"username"`
	PasswordCommand  string `toml:"password_command"`
	Fqdn             string `toml:"fqdn"`
	SessionUrl       string `toml:"session_url"`
	ConcurrentDownloads uint64 `toml:"concurrent_downloads"`
	Timeout          uint64 `toml:"timeout"`
	Retries          uint64 `toml:"retries"`
	AutoCreateNewMailboxes bool `toml:"auto_create_new_mailboxes"`
	ConvertDosToUnix bool   `toml:"convert_dos_to_unix"`
	CacheDir         string `toml:"cache_dir"`
	MailDir          string `toml:"mail_dir"`
	StateDir         string `toml:"state_dir"`
	Tags             Tags   `toml:"tags"`

	// present records which keys actually appeared in the file. Nothing
	// reads it: absent keys keep the defaults Load sets before decoding.
	present map[string]bool
}

func defaults() Config {
	return Config{
		ConcurrentDownloads:    8,
		Timeout:                5,
		Retries:                5,
		AutoCreateNewMailboxes: true,
		ConvertDosToUnix:       true,
		Tags: Tags{
			Lowercase:          false,
			DirectorySeparator: "/",
			Inbox:              "inbox",
			Deleted:            "deleted",
			Sent:               "sent",
			Spam:               "spam",
			Important:          "important",
			Phishing:           "phishing",
		},
	}
}

// ValidationError aggregates every config problem found, rather than
// stopping at the first.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

// Load reads and parses path, applies defaults for absent keys, and
// validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file %q: %w", path, err)
	}

	cfg := defaults()
	meta, err := toml.Decode(string(raw), &cfg)
	if err != nil {
		return nil, fmt.Errorf("could not parse config file %q: %w", path, err)
	}

	cfg.present = make(map[string]bool)
	for _, key := range meta.Keys() {
		cfg.present[key.String()] = true
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var problems []string

	if c.Username == "" {
		problems = append(problems, "`username' is required")
	}
	if c.PasswordCommand == "" {
		problems = append(problems, "`password_command' is required")
	}
	if c.Fqdn != "" && c.SessionUrl != "" {
		problems = append(problems, "must not specify both `fqdn' and `session_url'")
	}
	if c.Fqdn == "" && c.SessionUrl == "" {
		problems = append(problems, "must specify one of `fqdn' or `session_url'")
	}
	if c.ConcurrentDownloads < 1 {
		problems = append(problems, "`concurrent_downloads' must be at least 1")
	}
	if c.Tags.DirectorySeparator == "" {
		problems = append(problems, "`tags.directory_separator' must not be empty")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// AuthUsername returns the username truncated at the first ':', as used
// for Basic authentication.
func (c *Config) AuthUsername() string {
	if idx := strings.IndexByte(c.Username, ':'); idx >= 0 {
		return c.Username[:idx]
	}
	return c.Username
}

// Password runs the configured password command via `sh -c` and returns
// its trimmed, UTF-8 stdout.
func (c *Config) Password() (string, error) {
	cmd := exec.Command("sh", "-c", c.PasswordCommand)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("password command %q failed: %w (stderr: %s)", c.PasswordCommand, err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Dirs holds the resolved cache/mail/state directories. When not
// explicitly overridden, mail defaults to <configDir>/mail, state to
// configDir itself, and cache to <os.UserCacheDir>/jmapsync.
type Dirs struct {
	Cache string
	Mail  string
	State string
}

// ResolveDirs computes the effective directories for this config,
// rooted at configDir (the directory mujmap.toml lives in, i.e. the -C
// path).
func (c *Config) ResolveDirs(configDir string) (Dirs, error) {
	d := Dirs{
		Cache: c.CacheDir,
		Mail:  c.MailDir,
		State: c.StateDir,
	}
	if d.Mail == "" {
		d.Mail = filepath.Join(configDir, "mail")
	}
	if d.State == "" {
		d.State = configDir
	}
	if d.Cache == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return Dirs{}, fmt.Errorf("could not determine cache directory: %w", err)
		}
		d.Cache = filepath.Join(base, "jmapsync")
	}
	return d, nil
}
