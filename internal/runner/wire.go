package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/breeze-rmm/deltaupdate/internal/audit"
	"github.com/breeze-rmm/deltaupdate/internal/checksum"
	"github.com/breeze-rmm/deltaupdate/internal/config"
	"github.com/breeze-rmm/deltaupdate/internal/download"
	"github.com/breeze-rmm/deltaupdate/internal/installer"
	"github.com/breeze-rmm/deltaupdate/internal/locator"
	"github.com/breeze-rmm/deltaupdate/internal/mtls"
	"github.com/breeze-rmm/deltaupdate/internal/patcher"
	"github.com/breeze-rmm/deltaupdate/internal/statusrelay"
	"github.com/breeze-rmm/deltaupdate/internal/update"
	"github.com/breeze-rmm/deltaupdate/internal/workerpool"
	"github.com/breeze-rmm/deltaupdate/pkg/api"
)

const (
	patchTimeout  = 10 * time.Minute
	apiTimeout    = 30 * time.Second
	drainTimeout  = 30 * time.Second
	auditFileName = "audit.jsonl"
)

// Build wires every collaborator from cfg. dispatcher runs interactive
// installs; nil runs them on the worker. The status relay, when configured,
// is started with ctx.
func Build(ctx context.Context, cfg *config.Config, dispatcher update.Dispatcher, userAgent string) (*Runner, error) {
	extractor, err := update.NewExtractor(cfg.FullVersionPattern, cfg.PatchVersionPattern)
	if err != nil {
		return nil, err
	}
	verifier, err := checksum.New(cfg.ChecksumAlgorithm)
	if err != nil {
		return nil, err
	}
	engine, err := patcher.New(cfg.PatchCommand, patchTimeout)
	if err != nil {
		return nil, err
	}
	inst, err := newInstaller(cfg)
	if err != nil {
		return nil, err
	}

	tlsCfg, err := mtls.BuildTLSConfig(mtls.Files{
		CertFile: cfg.TLSCertFile,
		KeyFile:  cfg.TLSKeyFile,
		CAFile:   cfg.TLSCAFile,
	})
	if err != nil {
		return nil, err
	}

	downloads := download.NewManager(download.Options{
		UserAgent:             userAgent,
		TLSConfig:             tlsCfg,
		S3Region:              cfg.S3Region,
		S3Endpoint:            cfg.S3Endpoint,
		S3AccessKeyID:         cfg.S3AccessKeyID,
		S3SecretAccessKey:     cfg.S3SecretAccessKey,
		GCSCredentialsFile:    cfg.GCSCredentialsFile,
		AzureConnectionString: cfg.AzureConnectionString,
		B2AccountID:           cfg.B2AccountID,
		B2ApplicationKey:      cfg.B2ApplicationKey,
	})

	pool := workerpool.New(cfg.MaxWorkers, cfg.QueueSize)

	mode := update.InstallInteractive
	if cfg.InstallMode == config.InstallSilent {
		mode = update.InstallSilent
	}

	var r *Runner
	orch, err := update.New(update.Options{
		WorkDir:        cfg.WorkDir,
		ArtifactName:   cfg.ArtifactName,
		PatchName:      cfg.PatchName,
		PackageID:      cfg.PackageID,
		CurrentVersion: cfg.CurrentVersion,
		InstallMode:    mode,
		Extractor:      extractor,
		OnSilentResult: func(res update.SilentResult) { r.HandleSilentResult(res) },
	}, update.Deps{
		Downloader: downloads,
		Patcher:    engine,
		Verifier:   verifier,
		Locator:    newLocator(cfg),
		Installer:  inst,
		Dispatcher: dispatcher,
		Executor:   pool,
	})
	if err != nil {
		downloads.Close()
		pool.Drain(context.Background())
		return nil, err
	}

	client := api.NewClient(cfg.ServerURL, cfg.AuthToken, cfg.PackageID).
		WithUserAgent(userAgent).
		WithHTTPClient(mtls.HTTPClient(tlsCfg, apiTimeout))
	r = New(orch, client, Options{
		CurrentVersion: cfg.CurrentVersion,
		Interval:       time.Duration(cfg.CheckIntervalSeconds) * time.Second,
		AutoDownload:   cfg.AutoDownload,
		AutoInstall:    cfg.AutoInstall,
		ForceInstall:   cfg.ForceInstall,
		FallbackToFull: cfg.FallbackToFull,
	}).WithReporter(client)

	r.closers = append(r.closers, func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		pool.Drain(drainCtx)
	})

	auditPath := cfg.AuditFile
	if auditPath == "" {
		auditPath = filepath.Join(config.GetDataDir(), auditFileName)
	}
	auditLog, err := audit.NewLogger(auditPath, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		log.Warn("audit log disabled", "error", err)
	} else {
		r.WithAudit(auditLog)
		auditLog.Log(audit.EventServiceStart, 0, map[string]any{
			"packageId":      cfg.PackageID,
			"currentVersion": cfg.CurrentVersion,
		})
		r.closers = append(r.closers, func() {
			auditLog.Log(audit.EventServiceStop, 0, nil)
			auditLog.Close()
		})
	}

	if cfg.StatusRelayURL != "" {
		relay := statusrelay.New(statusrelay.Config{
			ServerURL: cfg.StatusRelayURL,
			PackageID: cfg.PackageID,
			AuthToken: cfg.AuthToken,
			TLSConfig: tlsCfg,
		}, r.RequestCheck)
		go relay.Run(ctx)
		r.WithPublisher(relay)
		r.closers = append(r.closers, relay.Stop)
	}

	return r, nil
}

func newInstaller(cfg *config.Config) (*installer.Installer, error) {
	opts := installer.Options{
		Command: cfg.SilentCommand,
		Timeout: time.Duration(cfg.SilentTimeoutSecs) * time.Second,
	}
	if cfg.InstallMode == config.InstallSilent {
		opts.Strategy = cfg.SilentStrategy
	}
	if opts.Strategy == installer.StrategyReplace {
		var restart func() error
		if cfg.RestartAfterReplace {
			restart = installer.ServiceRestarter(cfg.ServiceName, cfg.BinaryPath)
		}
		opts.Replacer = installer.NewReplacer(cfg.BinaryPath, cfg.BackupPath, restart)
	}
	inst, err := installer.New(opts)
	if err != nil {
		return nil, fmt.Errorf("installer: %w", err)
	}
	return inst, nil
}

// newLocator maps configured packages. With the replace strategy the
// package being updated is this binary, so it resolves to binary_path or
// the running executable.
func newLocator(cfg *config.Config) *locator.Locator {
	paths := make(map[string]string, len(cfg.InstalledPackages)+1)
	for _, pkg := range cfg.InstalledPackages {
		paths[pkg.ID] = pkg.Path
	}
	self := ""
	if cfg.SilentStrategy == config.SilentReplace {
		self = cfg.PackageID
		if _, ok := paths[self]; !ok && cfg.BinaryPath != "" {
			paths[self] = cfg.BinaryPath
		}
	}
	return locator.New(paths, self)
}
