package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/deltaupdate/internal/config"
	"github.com/breeze-rmm/deltaupdate/internal/logging"
	"github.com/breeze-rmm/deltaupdate/internal/mainloop"
	"github.com/breeze-rmm/deltaupdate/internal/runner"
	"github.com/breeze-rmm/deltaupdate/internal/update"
	"github.com/breeze-rmm/deltaupdate/pkg/api"
)

var log = logging.L("main")

var (
	version        = "0.1.0"
	cfgFile        string
	descriptorFile string
	runOnce        bool
	versionKind    string
)

var rootCmd = &cobra.Command{
	Use:           "deltaupdate",
	Short:         "Self-update client with incremental patches",
	Long:          `deltaupdate checks an update server, downloads full packages or binary patches, verifies them and hands the result to the installer.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Check for updates periodically and apply them",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUpdater()
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Ask the update server for an update and print the classification",
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkOnce(cmd.OutOrStdout())
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply the update described by a descriptor file",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := api.LoadDescriptor(descriptorFile)
		if err != nil {
			return err
		}
		return driveOnce(cmd.OutOrStdout(), func(ctx context.Context, r *runner.Runner) (update.Event, error) {
			return r.Apply(ctx, d)
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Download and install the full package of a descriptor file",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := api.LoadDescriptor(descriptorFile)
		if err != nil {
			return err
		}
		return driveOnce(cmd.OutOrStdout(), func(ctx context.Context, r *runner.Runner) (update.Event, error) {
			return r.Retry(ctx, d)
		})
	},
}

var extractVersionCmd = &cobra.Command{
	Use:   "extract-version <url>",
	Short: "Print the version label derived from an artifact URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := update.ParseKind(versionKind)
		if kind == update.KindNone {
			return fmt.Errorf("--kind must be full or patch, got %q", versionKind)
		}
		cfg, err := config.Load(cfgFile)
		if err != nil {
			cfg = config.Default()
		}
		extractor, err := update.NewExtractor(cfg.FullVersionPattern, cfg.PatchVersionPattern)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), extractor.Label(kind, args[0], ""))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "deltaupdate v%s (%s/%s)\n", version, runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is deltaupdate.yaml in the platform config dir)")

	runCmd.Flags().BoolVar(&runOnce, "once", false, "check once, wait for the attempt to finish and exit")
	applyCmd.Flags().StringVar(&descriptorFile, "descriptor", "", "descriptor file (YAML or JSON)")
	retryCmd.Flags().StringVar(&descriptorFile, "descriptor", "", "descriptor file (YAML or JSON)")
	_ = applyCmd.MarkFlagRequired("descriptor")
	_ = retryCmd.MarkFlagRequired("descriptor")
	extractVersionCmd.Flags().StringVar(&versionKind, "kind", "full", "artifact kind: full or patch")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(extractVersionCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func userAgent() string {
	return fmt.Sprintf("deltaupdate/%s (%s; %s)", version, runtime.GOOS, runtime.GOARCH)
}

// loadConfig reads and validates the configuration and initializes logging.
// The returned func closes the log file.
func loadConfig() (*config.Config, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	closeLog := initLogging(cfg)

	if res := cfg.ValidateTiered(); res.HasFatals() {
		closeLog()
		return nil, nil, fmt.Errorf("invalid config: %w", errors.Join(res.Fatals...))
	}
	return cfg, closeLog, nil
}

func initLogging(cfg *config.Config) func() {
	var output io.Writer = os.Stdout
	closer := func() {}
	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: log file disabled: %v\n", err)
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
			closer = func() { rw.Close() }
		}
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	return closer
}

func runUpdater() error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	if cfg.ServerURL == "" {
		return errors.New("server_url is required for run")
	}

	if isWindowsService() {
		return runAsService(func(ctx context.Context) error { return serve(ctx, cfg) })
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg)
}

// serve runs the update loop on a background goroutine and the install
// dispatch loop on the calling goroutine until ctx is done.
func serve(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loop := mainloop.New()
	r, err := runner.Build(ctx, cfg, loop, userAgent())
	if err != nil {
		return err
	}
	defer r.Close()

	log.Info("deltaupdate started",
		"version", version,
		"packageId", cfg.PackageID,
		"currentVersion", cfg.CurrentVersion,
		"installMode", cfg.InstallMode,
	)

	errCh := make(chan error, 1)
	go func() {
		defer cancel()
		if runOnce {
			_, err := r.RunOnce(ctx, true)
			errCh <- err
			return
		}
		errCh <- r.Run(ctx)
	}()

	loop.Run(ctx)
	err = <-errCh
	log.Info("deltaupdate stopping")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// driveOnce builds the runner, executes fn while the dispatch loop runs on
// this goroutine, and prints the terminal event.
func driveOnce(out io.Writer, fn func(context.Context, *runner.Runner) (update.Event, error)) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loop := mainloop.New()
	r, err := runner.Build(ctx, cfg, loop, userAgent())
	if err != nil {
		return err
	}
	defer r.Close()

	type result struct {
		ev  update.Event
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer cancel()
		ev, err := fn(ctx, r)
		done <- result{ev, err}
	}()
	loop.Run(ctx)
	res := <-done

	if res.ev.State != update.StateIdle {
		if err := printYAML(out, res.ev); err != nil {
			return err
		}
	}
	return res.err
}

type checkReport struct {
	Kind       update.Kind       `yaml:"kind"`
	Version    string            `yaml:"version,omitempty"`
	Newer      *bool             `yaml:"newer,omitempty"`
	Descriptor update.Descriptor `yaml:"descriptor"`
}

func checkOnce(out io.Writer) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	if cfg.ServerURL == "" {
		return errors.New("server_url is required for check")
	}
	extractor, err := update.NewExtractor(cfg.FullVersionPattern, cfg.PatchVersionPattern)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	client := api.NewClient(cfg.ServerURL, cfg.AuthToken, cfg.PackageID).WithUserAgent(userAgent())
	d, err := client.CheckUpdate(ctx, cfg.CurrentVersion)
	if err != nil {
		return err
	}

	rep := checkReport{Kind: update.Classify(d), Descriptor: d}
	if rep.Kind != update.KindNone {
		rep.Version = extractor.Label(rep.Kind, d.URLFor(rep.Kind), "")
		if newer, ok := update.IsNewer(rep.Version, cfg.CurrentVersion); ok {
			rep.Newer = &newer
		}
	}
	return printYAML(out, rep)
}

func printYAML(out io.Writer, v any) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
