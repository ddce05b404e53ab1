// Package config holds the site-wide configuration for the mailing list
// engine.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"time"
)

// Config is the top-level site configuration. One instance is loaded at
// startup and shared read-only by every runner.
type Config struct {
	// Directory roots. QueueDir contains one subdirectory per switchboard.
	ListDataDir string `toml:"list_data_dir"`
	QueueDir    string `toml:"queue_dir"`
	LockDir     string `toml:"lock_dir"`
	DataDir     string `toml:"data_dir"`
	TemplateDir string `toml:"template_dir"`

	SitePwFile        string `toml:"site_pw_file"`
	ListCreatorPwFile string `toml:"listcreator_pw_file"`

	DefaultURL string `toml:"default_url"`

	// Regexp applied to the To: header of mail delivered to the -confirm
	// sub-address. Must define a named group "cookie".
	VERPConfirmRegexp string `toml:"verp_confirm_regexp"`

	// Maximum body lines scanned for commands by the command runner.
	MailCommandsMaxLines int `toml:"mail_commands_max_lines"`

	// Bounce scoring thresholds (see bounce.Scorer).
	MinimumRemovalDate            int `toml:"minimum_removal_date"`
	MinimumPostCountBeforeRemoval int `toml:"minimum_post_count_before_removal"`
	MaxPostsBetweenBounces        int `toml:"max_posts_between_bounces"`

	// Per-list lock acquisition timeout, seconds.
	ListLockTimeout int `toml:"list_lock_timeout"`

	MTA   MTAConfig   `toml:"mta"`
	LMTP  LMTPConfig  `toml:"lmtp"`
	Debug DebugConfig `toml:"debug"`
}

// MTAConfig describes how generated aliases point back at us and how the
// MTA's binary alias index is rebuilt.
type MTAConfig struct {
	LMTPHost      string `toml:"lmtp_host"`
	LMTPPort      int    `toml:"lmtp_port"`
	PostfixMapCmd string `toml:"postfix_map_cmd"`

	// SendmailCmd is the transport used for outbound delivery. When empty
	// outbound messages are logged and dropped.
	SendmailCmd string `toml:"sendmail_cmd"`
}

// LMTPConfig describes the ingress listener the local MTA delivers to.
type LMTPConfig struct {
	Listen          string `toml:"listen"`
	Domain          string `toml:"domain"`
	MaxMessageBytes int64  `toml:"max_message_bytes"`
}

type DebugConfig struct {
	Log           bool   `toml:"log"`
	MetricsListen string `toml:"metrics_listen"`
}

// Default returns the configuration used when a key is absent from the
// configuration file.
func Default() Config {
	return Config{
		ListDataDir:                   "/var/lib/mailman/lists",
		QueueDir:                      "/var/spool/mailman",
		LockDir:                       "/var/lock/mailman",
		DataDir:                       "/var/lib/mailman/data",
		TemplateDir:                   "/usr/share/mailman/templates",
		DefaultURL:                    "http://localhost/mailman/",
		VERPConfirmRegexp:             `^.*\+(?P<cookie>[A-Za-z0-9_-]+)@.*$`,
		MailCommandsMaxLines:          10,
		MinimumRemovalDate:            5,
		MinimumPostCountBeforeRemoval: 10,
		MaxPostsBetweenBounces:        100,
		ListLockTimeout:               30,
		MTA: MTAConfig{
			LMTPHost:      "127.0.0.1",
			LMTPPort:      8024,
			PostfixMapCmd: "/usr/sbin/postmap",
			SendmailCmd:   "/usr/sbin/sendmail",
		},
		LMTP: LMTPConfig{
			Listen:          "127.0.0.1:8024",
			Domain:          "localhost",
			MaxMessageBytes: 50 * 1024 * 1024,
		},
	}
}

// ListLockTimeoutDur returns the per-list lock timeout as a duration.
func (c *Config) ListLockTimeoutDur() time.Duration {
	return time.Duration(c.ListLockTimeout) * time.Second
}

// SpoolDir returns the directory of the named switchboard.
func (c *Config) SpoolDir(name string) string {
	return filepath.Join(c.QueueDir, name)
}

// Validate reports the first fatal configuration problem. Errors from here
// terminate the process with a non-zero status.
func (c *Config) Validate() error {
	if c.QueueDir == "" {
		return errors.New("config: queue_dir is required")
	}
	if c.ListDataDir == "" {
		return errors.New("config: list_data_dir is required")
	}
	if c.LockDir == "" {
		return errors.New("config: lock_dir is required")
	}
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	if c.MailCommandsMaxLines <= 0 {
		return errors.New("config: mail_commands_max_lines must be positive")
	}
	if c.ListLockTimeout <= 0 {
		return errors.New("config: list_lock_timeout must be positive")
	}
	re, err := regexp.Compile(c.VERPConfirmRegexp)
	if err != nil {
		return fmt.Errorf("config: verp_confirm_regexp: %w", err)
	}
	cookieGroup := false
	for _, name := range re.SubexpNames() {
		if name == "cookie" {
			cookieGroup = true
		}
	}
	if !cookieGroup {
		return errors.New(`config: verp_confirm_regexp must define a (?P<cookie>...) group`)
	}
	if c.MTA.LMTPPort <= 0 || c.MTA.LMTPPort > 65535 {
		return fmt.Errorf("config: mta.lmtp_port out of range: %d", c.MTA.LMTPPort)
	}
	return nil
}
