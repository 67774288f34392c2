//go:build linux

package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/deltaupdate/internal/privilege"
)

const (
	linuxUnitDst     = "/etc/systemd/system/deltaupdate.service"
	linuxConfigDir   = "/etc/deltaupdate"
	linuxDataDir     = "/var/lib/deltaupdate"
	linuxServiceName = "deltaupdate"
)

const linuxUnitTemplate = `[Unit]
Description=Delta Update client
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s run
WorkingDirectory=/etc/deltaupdate
Restart=on-failure
RestartSec=10

ProtectSystem=full
PrivateTmp=true

StandardOutput=journal
StandardError=journal
SyslogIdentifier=deltaupdate

[Install]
WantedBy=multi-user.target
`

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the deltaupdate systemd service",
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install deltaupdate as a systemd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := privilege.Require("service install"); err != nil {
			return err
		}

		for _, dir := range []string{linuxConfigDir, linuxDataDir} {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}
		}

		exePath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to determine executable path: %w", err)
		}

		unit := fmt.Sprintf(linuxUnitTemplate, exePath)
		if err := os.WriteFile(linuxUnitDst, []byte(unit), 0644); err != nil {
			return fmt.Errorf("failed to write unit file: %w", err)
		}
		fmt.Printf("Systemd unit installed to %s\n", linuxUnitDst)

		if out, err := exec.Command("systemctl", "daemon-reload").CombinedOutput(); err != nil {
			return fmt.Errorf("failed to reload systemd: %s", strings.TrimSpace(string(out)))
		}
		if out, err := exec.Command("systemctl", "enable", linuxServiceName).CombinedOutput(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to enable service: %s\n", strings.TrimSpace(string(out)))
		}

		fmt.Println("Service installed and enabled. Start it with: sudo systemctl start deltaupdate")
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the deltaupdate systemd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := privilege.Require("service uninstall"); err != nil {
			return err
		}

		exec.Command("systemctl", "stop", linuxServiceName).Run()
		exec.Command("systemctl", "disable", linuxServiceName).Run()
		os.Remove(linuxUnitDst)
		exec.Command("systemctl", "daemon-reload").Run()

		fmt.Println("Service uninstalled.")
		fmt.Printf("Config at %s was preserved.\n", linuxConfigDir)
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(linuxUnitDst); os.IsNotExist(err) {
			fmt.Println("Service: not installed")
			return nil
		}
		// systemctl status exits non-zero for a stopped unit.
		out, _ := exec.Command("systemctl", "status", linuxServiceName, "--no-pager").CombinedOutput()
		fmt.Println(strings.TrimSpace(string(out)))
		return nil
	},
}
