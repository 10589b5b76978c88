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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validYAML = `
provisioning:
  source: manual
  device_connection_string: "HostName=myhub.azure-devices.net;DeviceId=dev1;SharedAccessKey=a2V5"
agent:
  name: edgeAgent
  type: docker
  config:
    image: "mcr.microsoft.com/azureiotedge-agent:1.4"
listen:
  management_uri: "tcp://0.0.0.0:8080"
  workload_uri: "tcp://0.0.0.0:8081"
moby_runtime:
  uri: "unix:///var/run/docker.sock"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestLoadValid(t *testing.T) {
	p := writeConfig(t, validYAML)
	s, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Agent.Name != "edgeAgent" {
		t.Errorf("Agent.Name = %q, want edgeAgent", s.Agent.Name)
	}
	if s.MobyRuntime.URI != "unix:///var/run/docker.sock" {
		t.Errorf("MobyRuntime.URI = %q", s.MobyRuntime.URI)
	}
}

func TestLoadNonManualProvisioning(t *testing.T) {
	bad := strings.Replace(validYAML, "source: manual", "source: dps", 1)
	p := writeConfig(t, bad)
	_, err := Load(p)
	if err == nil {
		t.Fatal("expected error for non-manual provisioning")
	}
	if !strings.Contains(err.Error(), "not implemented") {
		t.Errorf("error = %v, want mention of 'not implemented'", err)
	}
}

func TestLoadMissingAgent(t *testing.T) {
	bad := `
provisioning:
  source: manual
  device_connection_string: "HostName=h;DeviceId=d;SharedAccessKey=a2V5"
listen:
  management_uri: "tcp://0.0.0.0:8080"
  workload_uri: "tcp://0.0.0.0:8081"
moby_runtime:
  uri: "unix:///var/run/docker.sock"
`
	p := writeConfig(t, bad)
	if _, err := Load(p); err == nil {
		t.Fatal("expected error for missing agent section")
	}
}

func TestLoadMissingListen(t *testing.T) {
	bad := strings.Replace(validYAML, "listen:", "unused:", 1)
	p := writeConfig(t, bad)
	if _, err := Load(p); err == nil {
		t.Fatal("expected error for missing listen section")
	}
}

func TestLoadListenURIWrongScheme(t *testing.T) {
	bad := strings.Replace(validYAML, `management_uri: "tcp://0.0.0.0:8080"`, `management_uri: "unix:///var/run/iotedge/mgmt.sock"`, 1)
	p := writeConfig(t, bad)
	_, err := Load(p)
	if err == nil {
		t.Fatal("expected error for non-tcp listen.management_uri")
	}
	if !strings.Contains(err.Error(), "listen.management_uri") {
		t.Errorf("error = %v, want mention of listen.management_uri", err)
	}
}

func TestLoadMobyRuntimeURIWrongScheme(t *testing.T) {
	bad := strings.Replace(validYAML, `uri: "unix:///var/run/docker.sock"`, `uri: "tcp://127.0.0.1:2375"`, 1)
	p := writeConfig(t, bad)
	_, err := Load(p)
	if err == nil {
		t.Fatal("expected error for non-unix/http(s) moby_runtime.uri")
	}
	if !strings.Contains(err.Error(), "moby_runtime.uri") {
		t.Errorf("error = %v, want mention of moby_runtime.uri", err)
	}
}

func TestLoadMobyRuntimeURIAcceptsHTTP(t *testing.T) {
	good := strings.Replace(validYAML, `uri: "unix:///var/run/docker.sock"`, `uri: "http://docker-host:2375"`, 1)
	p := writeConfig(t, good)
	if _, err := Load(p); err != nil {
		t.Fatalf("Load: %v", err)
	}
}
