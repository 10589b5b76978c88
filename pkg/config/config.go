// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the iotedged settings file.
package config

import (
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// ProvisioningSource identifies how the device obtains its identity.
type ProvisioningSource string

const (
	ProvisioningManual ProvisioningSource = "manual"
)

type Provisioning struct {
	Source                 ProvisioningSource `yaml:"source"`
	DeviceConnectionString string             `yaml:"device_connection_string"`
}

// ModuleConfig is the [MODULE] spec embedded in the agent section: the
// edge agent is itself a module the daemon must reconcile at startup.
type ModuleConfig struct {
	Image string `yaml:"image"`
}

type AgentSpec struct {
	Name   string            `yaml:"name"`
	Type   string            `yaml:"type"`
	Config ModuleConfig      `yaml:"config"`
	Env    map[string]string `yaml:"env"`
}

type Endpoints struct {
	ManagementURI string `yaml:"management_uri"`
	WorkloadURI   string `yaml:"workload_uri"`
}

type MobyRuntime struct {
	URI     string `yaml:"uri"`
	Network string `yaml:"network"`
}

// Settings is the top-level shape of the config file.
type Settings struct {
	Provisioning Provisioning `yaml:"provisioning"`
	Agent        AgentSpec    `yaml:"agent"`
	Connect      Endpoints    `yaml:"connect"`
	Listen       Endpoints    `yaml:"listen"`
	MobyRuntime  MobyRuntime  `yaml:"moby_runtime"`
	HomeDir      string       `yaml:"homedir"`
}

// Load reads and validates the settings file at path.
func Load(path string) (*Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var s Settings
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate enforces the subset of the config contract this daemon
// implements. Non-manual provisioning sources are reserved and must be
// reported as not implemented rather than guessed at.
func (s *Settings) Validate() error {
	if s.Provisioning.Source != ProvisioningManual {
		return fmt.Errorf("provisioning source %q not implemented", s.Provisioning.Source)
	}
	if s.Provisioning.DeviceConnectionString == "" {
		return fmt.Errorf("provisioning.device_connection_string is required for manual provisioning")
	}
	if s.Agent.Name == "" {
		return fmt.Errorf("agent.name is required")
	}
	if s.Listen.ManagementURI == "" || s.Listen.WorkloadURI == "" {
		return fmt.Errorf("listen.management_uri and listen.workload_uri are required")
	}
	if err := requireScheme("listen.management_uri", s.Listen.ManagementURI, "tcp"); err != nil {
		return err
	}
	if err := requireScheme("listen.workload_uri", s.Listen.WorkloadURI, "tcp"); err != nil {
		return err
	}
	if s.MobyRuntime.URI == "" {
		return fmt.Errorf("moby_runtime.uri is required")
	}
	if err := requireScheme("moby_runtime.uri", s.MobyRuntime.URI, "unix", "http", "https"); err != nil {
		return err
	}
	return nil
}

// requireScheme reports an error unless uri parses with one of the
// given schemes. The daemon's two transport-URI spaces have different
// allowed schemes: the engine endpoint (moby_runtime.uri) speaks the
// Docker Engine API over unix/http/https, while the listen endpoints
// (listen.management_uri, listen.workload_uri) are always bound with a
// plain TCP listener.
func requireScheme(field, uri string, schemes ...string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("%s: invalid uri %q: %w", field, uri, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s: unsupported scheme %q in %q, want one of %v", field, u.Scheme, uri, schemes)
}
