package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Install modes.
const (
	InstallInteractive = "interactive"
	InstallSilent      = "silent"
)

// Silent install strategies.
const (
	SilentCommand = "command"
	SilentReplace = "replace"
)

type Config struct {
	ServerURL      string `mapstructure:"server_url"`
	AuthToken      string `mapstructure:"auth_token"`
	TLSCertFile    string `mapstructure:"tls_cert_file"`
	TLSKeyFile     string `mapstructure:"tls_key_file"`
	TLSCAFile      string `mapstructure:"tls_ca_file"`
	PackageID      string `mapstructure:"package_id"`
	CurrentVersion string `mapstructure:"current_version"`

	WorkDir      string `mapstructure:"work_dir"`
	ArtifactName string `mapstructure:"artifact_name"`
	PatchName    string `mapstructure:"patch_name"`

	InstallMode         string   `mapstructure:"install_mode"`
	SilentStrategy      string   `mapstructure:"silent_strategy"`
	SilentCommand       []string `mapstructure:"silent_command"`
	SilentTimeoutSecs   int      `mapstructure:"silent_timeout_seconds"`
	BinaryPath          string   `mapstructure:"binary_path"`
	BackupPath          string   `mapstructure:"backup_path"`
	RestartAfterReplace bool     `mapstructure:"restart_after_replace"`
	ServiceName         string   `mapstructure:"service_name"`

	PatchCommand      []string           `mapstructure:"patch_command"`
	ChecksumAlgorithm string             `mapstructure:"checksum_algorithm"`
	InstalledPackages []InstalledPackage `mapstructure:"installed_packages"`

	FullVersionPattern  string `mapstructure:"full_version_pattern"`
	PatchVersionPattern string `mapstructure:"patch_version_pattern"`

	CheckIntervalSeconds int  `mapstructure:"check_interval_seconds"`
	AutoDownload         bool `mapstructure:"auto_download"`
	AutoInstall          bool `mapstructure:"auto_install"`
	ForceInstall         bool `mapstructure:"force_install"`
	FallbackToFull       bool `mapstructure:"fallback_to_full"`

	MaxWorkers int `mapstructure:"max_workers"`
	QueueSize  int `mapstructure:"queue_size"`

	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	LogFile        string `mapstructure:"log_file"`
	LogMaxSizeMB   int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups  int    `mapstructure:"log_max_backups"`
	AuditFile      string `mapstructure:"audit_file"`
	StatusRelayURL string `mapstructure:"status_relay_url"`

	S3Region              string `mapstructure:"s3_region"`
	S3Endpoint            string `mapstructure:"s3_endpoint"`
	S3AccessKeyID         string `mapstructure:"s3_access_key_id"`
	S3SecretAccessKey     string `mapstructure:"s3_secret_access_key"`
	GCSCredentialsFile    string `mapstructure:"gcs_credentials_file"`
	AzureConnectionString string `mapstructure:"azure_connection_string"`
	B2AccountID           string `mapstructure:"b2_account_id"`
	B2ApplicationKey      string `mapstructure:"b2_application_key"`
}

// InstalledPackage maps a package identifier to the artifact currently
// installed for it. Kept as a list because viper splits map keys on dots.
type InstalledPackage struct {
	ID   string `mapstructure:"id"`
	Path string `mapstructure:"path"`
}

func Default() *Config {
	return &Config{
		WorkDir:              filepath.Join(GetDataDir(), "update"),
		ArtifactName:         "new.pkg",
		PatchName:            "patchfile.patch",
		InstallMode:          InstallInteractive,
		SilentStrategy:       SilentCommand,
		SilentTimeoutSecs:    600,
		PatchCommand:         []string{"bspatch", "{base}", "{output}", "{patch}"},
		ChecksumAlgorithm:    "md5",
		CheckIntervalSeconds: 3600,
		AutoDownload:         true,
		FallbackToFull:       true,
		MaxWorkers:           2,
		QueueSize:            8,
		LogLevel:             "info",
		LogFormat:            "text",
		ServiceName:          "deltaupdate",
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("deltaupdate")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("DELTAUPDATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// bindEnvKeys registers the keys most often supplied through the environment
// so that AutomaticEnv also applies them to Unmarshal.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"server_url", "auth_token", "package_id", "current_version", "work_dir",
		"install_mode", "log_level", "log_format", "s3_access_key_id",
		"s3_secret_access_key", "azure_connection_string", "b2_account_id",
		"b2_application_key", "gcs_credentials_file",
	} {
		_ = v.BindEnv(key)
	}
}

// GetDataDir returns the platform directory for transient update state.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "DeltaUpdate", "data")
	case "darwin":
		return "/Library/Application Support/DeltaUpdate/data"
	default:
		return "/var/lib/deltaupdate"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "DeltaUpdate")
	case "darwin":
		return "/Library/Application Support/DeltaUpdate"
	default:
		return "/etc/deltaupdate"
	}
}
