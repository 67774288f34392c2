package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validChecksumAlgorithms = map[string]bool{
	"md5":    true,
	"sha256": true,
	"sha512": true,
}

// ValidationResult separates problems that must stop startup from problems
// that were logged and corrected in place.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether startup must be aborted.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// Validate checks the config and returns every problem found.
func (c *Config) Validate() []error {
	return c.ValidateTiered().AllErrors()
}

// ValidateTiered checks the config. Dangerous numeric values are clamped to
// safe defaults and reported as warnings; values that make an update attempt
// impossible or unsafe are fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("server_url %q is not a valid URL: %w", c.ServerURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			r.Fatals = append(r.Fatals, fmt.Errorf("server_url scheme must be http or https, got %q", u.Scheme))
		}
	}

	if strings.IndexFunc(c.AuthToken, unicode.IsControl) >= 0 {
		r.Fatals = append(r.Fatals, fmt.Errorf("auth_token contains control characters"))
	}

	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		r.Fatals = append(r.Fatals, fmt.Errorf("tls_cert_file and tls_key_file must be set together"))
	}

	if strings.TrimSpace(c.WorkDir) == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("work_dir is required"))
	}

	if c.ArtifactName == "" || c.PatchName == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("artifact_name and patch_name are required"))
	} else if c.ArtifactName == c.PatchName {
		r.Fatals = append(r.Fatals, fmt.Errorf("artifact_name and patch_name must differ, both are %q", c.ArtifactName))
	}
	for _, name := range []string{c.ArtifactName, c.PatchName} {
		if strings.ContainsAny(name, `/\`) {
			r.Fatals = append(r.Fatals, fmt.Errorf("file name %q must not contain path separators", name))
		}
	}

	switch c.InstallMode {
	case InstallInteractive:
	case InstallSilent:
		switch c.SilentStrategy {
		case SilentCommand:
			if len(c.SilentCommand) == 0 {
				r.Fatals = append(r.Fatals, fmt.Errorf("silent_command is required for silent_strategy %q", SilentCommand))
			}
		case SilentReplace:
			if c.BinaryPath == "" || c.BackupPath == "" {
				r.Fatals = append(r.Fatals, fmt.Errorf("binary_path and backup_path are required for silent_strategy %q", SilentReplace))
			}
		default:
			r.Fatals = append(r.Fatals, fmt.Errorf("silent_strategy %q is not valid (use command or replace)", c.SilentStrategy))
		}
	default:
		r.Fatals = append(r.Fatals, fmt.Errorf("install_mode %q is not valid (use interactive or silent)", c.InstallMode))
	}

	if len(c.PatchCommand) == 0 {
		r.Fatals = append(r.Fatals, fmt.Errorf("patch_command is required"))
	}

	for key, pattern := range map[string]string{
		"full_version_pattern":  c.FullVersionPattern,
		"patch_version_pattern": c.PatchVersionPattern,
	} {
		if pattern == "" {
			continue
		}
		if _, err := regexp.Compile(pattern); err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("%s is not a valid regular expression: %w", key, err))
		}
	}

	for i, pkg := range c.InstalledPackages {
		if pkg.ID == "" || pkg.Path == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("installed_packages[%d] needs both id and path", i))
		}
	}

	if c.StatusRelayURL != "" {
		u, err := url.Parse(c.StatusRelayURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			r.Warnings = append(r.Warnings, fmt.Errorf("status_relay_url %q must be a ws:// or wss:// URL, relay disabled", c.StatusRelayURL))
			c.StatusRelayURL = ""
		}
	}

	if c.ChecksumAlgorithm != "" && !validChecksumAlgorithms[strings.ToLower(c.ChecksumAlgorithm)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("checksum_algorithm %q is not valid, using md5", c.ChecksumAlgorithm))
		c.ChecksumAlgorithm = "md5"
	}

	if c.CheckIntervalSeconds < 60 {
		r.Warnings = append(r.Warnings, fmt.Errorf("check_interval_seconds %d is below minimum 60, clamping", c.CheckIntervalSeconds))
		c.CheckIntervalSeconds = 60
	} else if c.CheckIntervalSeconds > 7*24*3600 {
		r.Warnings = append(r.Warnings, fmt.Errorf("check_interval_seconds %d exceeds maximum 604800, clamping", c.CheckIntervalSeconds))
		c.CheckIntervalSeconds = 7 * 24 * 3600
	}

	if c.SilentTimeoutSecs < 10 {
		r.Warnings = append(r.Warnings, fmt.Errorf("silent_timeout_seconds %d is below minimum 10, clamping", c.SilentTimeoutSecs))
		c.SilentTimeoutSecs = 10
	} else if c.SilentTimeoutSecs > 3600 {
		r.Warnings = append(r.Warnings, fmt.Errorf("silent_timeout_seconds %d exceeds maximum 3600, clamping", c.SilentTimeoutSecs))
		c.SilentTimeoutSecs = 3600
	}

	if c.MaxWorkers < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("max_workers %d is below minimum 1, clamping", c.MaxWorkers))
		c.MaxWorkers = 1
	} else if c.MaxWorkers > 16 {
		r.Warnings = append(r.Warnings, fmt.Errorf("max_workers %d exceeds maximum 16, clamping", c.MaxWorkers))
		c.MaxWorkers = 16
	}

	if c.QueueSize < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("queue_size %d is below minimum 1, clamping", c.QueueSize))
		c.QueueSize = 1
	} else if c.QueueSize > 1024 {
		r.Warnings = append(r.Warnings, fmt.Errorf("queue_size %d exceeds maximum 1024, clamping", c.QueueSize))
		c.QueueSize = 1024
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range r.Fatals {
		slog.Error("config validation", "error", err)
	}
	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}

	return r
}
