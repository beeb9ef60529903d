// Package sysmon manages the Sysmon telemetry service. Sysmon is not a
// scanner: it continuously writes detailed event logs that Hayabusa and
// Chainsaw consume. This package handles its lifecycle - install with an
// XML config, config updates, status, and removal.
package sysmon

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sentriva/hostscan/pkg/core"
	"github.com/sentriva/hostscan/pkg/errors"
)

const (
	// ServiceName is the Sysmon service name queried via sc.
	ServiceName = "Sysmon64"

	// DefaultConfigFile is the Sysmon XML config used when none is given.
	DefaultConfigFile = "./rules/sysmon/sysmonconfig.xml"

	commandTimeout = 60 * time.Second
)

// Status describes the Sysmon service state.
type Status struct {
	Installed    bool   `json:"installed"`
	ServiceName  string `json:"service_name"`
	ConfigFile   string `json:"config_file"`
	ConfigExists bool   `json:"config_exists"`
}

// Manager installs, configures, and removes the Sysmon service.
// All operations require administrator privileges.
type Manager struct {
	resolver   core.ToolResolver
	logger     core.Logger
	configFile string
}

// NewManager creates a Sysmon manager.
func NewManager(resolver core.ToolResolver, logger core.Logger, configFile string) *Manager {
	if logger == nil {
		logger = &core.NopLogger{}
	}
	if configFile == "" {
		configFile = DefaultConfigFile
	}
	return &Manager{
		resolver:   resolver,
		logger:     logger,
		configFile: configFile,
	}
}

// IsInstalled reports whether the Sysmon service is running, via
// "sc query Sysmon64".
func (m *Manager) IsInstalled(ctx context.Context) bool {
	raw, err := core.Execute(ctx, &core.CommandSpec{
		Path: "sc",
		Args: []string{"query", ServiceName},
		// sc exits non-zero when the service does not exist
		OKExitCodes: []int{0, 1060},
	}, &core.ExecOptions{Timeout: commandTimeout, Logger: m.logger})
	if err != nil {
		return false
	}
	return strings.Contains(string(raw.Stdout), "RUNNING")
}

// Install installs Sysmon with the given XML configuration. An empty
// configPath uses the manager's default.
func (m *Manager) Install(ctx context.Context, configPath string) error {
	const op = "sysmon.Install"

	exe, err := m.binary(op)
	if err != nil {
		return err
	}

	if configPath == "" {
		configPath = m.configFile
	}
	if _, err := os.Stat(configPath); err != nil {
		return errors.E(errors.KindConfig, op, fmt.Sprintf("sysmon config not found: %s", configPath))
	}

	m.logger.Info("installing Sysmon with config %s", configPath)
	return m.run(ctx, op, exe, "-accepteula", "-i", configPath)
}

// UpdateConfig pushes a new configuration to the running service.
func (m *Manager) UpdateConfig(ctx context.Context, configPath string) error {
	const op = "sysmon.UpdateConfig"

	exe, err := m.binary(op)
	if err != nil {
		return err
	}

	if configPath == "" {
		configPath = m.configFile
	}
	if _, err := os.Stat(configPath); err != nil {
		return errors.E(errors.KindConfig, op, fmt.Sprintf("sysmon config not found: %s", configPath))
	}

	m.logger.Info("updating Sysmon config: %s", configPath)
	return m.run(ctx, op, exe, "-c", configPath)
}

// Uninstall removes the Sysmon service.
func (m *Manager) Uninstall(ctx context.Context) error {
	const op = "sysmon.Uninstall"

	exe, err := m.binary(op)
	if err != nil {
		return err
	}

	m.logger.Info("uninstalling Sysmon")
	return m.run(ctx, op, exe, "-u")
}

// GetStatus reports the current service and config state.
func (m *Manager) GetStatus(ctx context.Context) Status {
	_, statErr := os.Stat(m.configFile)
	return Status{
		Installed:    m.IsInstalled(ctx),
		ServiceName:  ServiceName,
		ConfigFile:   m.configFile,
		ConfigExists: statErr == nil,
	}
}

func (m *Manager) binary(op string) (string, error) {
	info, err := m.resolver.Resolve("sysmon")
	if err != nil {
		return "", err
	}
	if !info.Installed {
		return "", errors.E(errors.KindToolUnavailable, op, "sysmon executable not found")
	}
	return info.Path, nil
}

func (m *Manager) run(ctx context.Context, op, exe string, args ...string) error {
	raw, err := core.Execute(ctx, &core.CommandSpec{
		Path: exe,
		Args: args,
	}, &core.ExecOptions{Timeout: commandTimeout, Logger: m.logger})
	if err != nil {
		return errors.E(errors.KindExecution, op, fmt.Sprintf(
			"sysmon exited with code %d: %s", raw.ExitCode, strings.TrimSpace(string(raw.Stderr))), err)
	}
	return nil
}
