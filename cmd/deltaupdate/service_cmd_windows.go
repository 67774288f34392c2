//go:build windows

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"

	"github.com/breeze-rmm/deltaupdate/internal/privilege"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the deltaupdate Windows service",
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install deltaupdate as a Windows service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := privilege.Require("service install"); err != nil {
			return err
		}
		exePath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to determine executable path: %w", err)
		}

		m, err := mgr.Connect()
		if err != nil {
			return fmt.Errorf("failed to connect to SCM (run as Administrator): %w", err)
		}
		defer m.Disconnect()

		serviceArgs := []string{"run"}
		if cfgFile != "" {
			serviceArgs = append(serviceArgs, "--config", cfgFile)
		}
		s, err := m.CreateService(windowsServiceName, exePath, mgr.Config{
			DisplayName:  "Delta Update",
			Description:  "Checks for and applies application updates",
			StartType:    mgr.StartAutomatic,
			ErrorControl: mgr.ErrorNormal,
		}, serviceArgs...)
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer s.Close()

		err = s.SetRecoveryActions([]mgr.RecoveryAction{
			{Type: mgr.ServiceRestart, Delay: 5 * time.Second},
			{Type: mgr.ServiceRestart, Delay: 30 * time.Second},
		}, 86400)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to set recovery actions: %v\n", err)
		}

		fmt.Printf("Service %q installed.\n", windowsServiceName)
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the deltaupdate Windows service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := privilege.Require("service uninstall"); err != nil {
			return err
		}
		m, err := mgr.Connect()
		if err != nil {
			return fmt.Errorf("failed to connect to SCM (run as Administrator): %w", err)
		}
		defer m.Disconnect()

		s, err := m.OpenService(windowsServiceName)
		if err != nil {
			return fmt.Errorf("failed to open service: %w", err)
		}
		defer s.Close()

		if status, err := s.Query(); err == nil && status.State != svc.Stopped {
			_, _ = s.Control(svc.Stop)
			deadline := time.Now().Add(15 * time.Second)
			for time.Now().Before(deadline) {
				st, qErr := s.Query()
				if qErr != nil || st.State == svc.Stopped {
					break
				}
				time.Sleep(500 * time.Millisecond)
			}
		}

		if err := s.Delete(); err != nil {
			return fmt.Errorf("failed to delete service: %w", err)
		}
		fmt.Printf("Service %q uninstalled.\n", windowsServiceName)
		return nil
	},
}
