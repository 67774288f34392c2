//go:build windows

package installer

import (
	"fmt"
	"time"

	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

// ServiceRestarter returns a restart function that stops and starts the
// Windows service serviceName.
func ServiceRestarter(serviceName, _ string) func() error {
	return func() error { return restartService(serviceName) }
}

func restartService(serviceName string) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to SCM: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(serviceName)
	if err != nil {
		return fmt.Errorf("failed to open service: %w", err)
	}
	defer s.Close()

	status, err := s.Control(svc.Stop)
	if err != nil {
		return fmt.Errorf("failed to stop service: %w", err)
	}
	if err := waitForState(s, status, svc.Stopped); err != nil {
		return err
	}

	if err := s.Start(); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	status, err = s.Query()
	if err != nil {
		return fmt.Errorf("failed to query service: %w", err)
	}
	return waitForState(s, status, svc.Running)
}

func waitForState(s *mgr.Service, status svc.Status, want svc.State) error {
	deadline := time.Now().Add(30 * time.Second)
	for status.State != want {
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for service state %d", want)
		}
		time.Sleep(300 * time.Millisecond)
		var err error
		status, err = s.Query()
		if err != nil {
			return fmt.Errorf("failed to query service: %w", err)
		}
	}
	return nil
}
