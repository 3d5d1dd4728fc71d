// Copyright 2025 Edgeo SCADA
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
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func newViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(newViper())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bind != "0.0.0.0" || cfg.Ports.Modbus != 502 || cfg.Ports.C1222 != 1153 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Modbus.MaxRequests != 1000 || cfg.Modbus.RegisterSpace != 20000 || cfg.Modbus.WriteRegisterLimit != 123 {
		t.Errorf("modbus = %+v", cfg.Modbus)
	}
	if len(cfg.Disable) != 0 {
		t.Errorf("Disable = %v", cfg.Disable)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "icslisten.yaml")
	data := `
bind: 127.0.0.1
ports:
  modbus: 5020
  s7: 1102
disable: [bacnet, c1222udp]
log:
  level: DEBUG
modbus:
  max_requests: 50
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Bind != "127.0.0.1" || cfg.Port("modbus") != 5020 || cfg.Port("s7") != 1102 || cfg.Port("dnp3") != 20000 {
		t.Errorf("ports = %+v", cfg.Ports)
	}
	if cfg.Enabled("bacnet") || cfg.Enabled("c1222udp") || !cfg.Enabled("c1222tcp") {
		t.Errorf("Disable = %v", cfg.Disable)
	}
	if cfg.Modbus.MaxRequests != 50 || cfg.Modbus.ReadTimeoutSeconds != 10 {
		t.Errorf("modbus = %+v", cfg.Modbus)
	}
}

func TestLoad_TOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "icslisten.toml")
	data := `
bind = "::1"

[ports]
enip = 4444

[log]
format = "json"
connections = true
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bind != "::1" || cfg.Ports.ENIP != 4444 || cfg.Log.Format != "json" || !cfg.Log.Connections {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("ICSLISTEN_BIND", "10.1.1.1")
	t.Setenv("ICSLISTEN_PORTS_DNP3", "2000")
	t.Setenv("ICSLISTEN_DISABLE", "s7,enip")

	cfg, err := Load(newViper())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bind != "10.1.1.1" || cfg.Ports.DNP3 != 2000 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Enabled("s7") || cfg.Enabled("enip") || !cfg.Enabled("dnp3") {
		t.Errorf("Disable = %v", cfg.Disable)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port too high", func(c *Config) { c.Ports.S7 = 70000 }},
		{"negative port", func(c *Config) { c.Ports.Modbus = -1 }},
		{"unknown listener", func(c *Config) { c.Disable = []string{"profinet"} }},
		{"zero register space", func(c *Config) { c.Modbus.RegisterSpace = 0 }},
		{"oversized register space", func(c *Config) { c.Modbus.RegisterSpace = 70000 }},
		{"zero max requests", func(c *Config) { c.Modbus.MaxRequests = 0 }},
		{"zero read timeout", func(c *Config) { c.Modbus.ReadTimeoutSeconds = 0 }},
		{"negative connection timeout", func(c *Config) { c.Modbus.ConnectionTimeoutSeconds = -5 }},
		{"bad level", func(c *Config) { c.Log.Level = "LOUD" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestListeners(t *testing.T) {
	names := Listeners()
	if len(names) != 11 || names[0] != "modbus" {
		t.Fatalf("Listeners = %v", names)
	}
	cfg := Default()
	for _, name := range names {
		if cfg.Port(name) <= 0 {
			t.Errorf("no default port for %s", name)
		}
	}
	if cfg.Port("profinet") != -1 {
		t.Error("unknown listener has a port")
	}
}

func TestEncode(t *testing.T) {
	cfg := Default()
	cfg.Disable = []string{"s7"}

	var buf bytes.Buffer
	if err := Encode(&buf, cfg, "yaml"); err != nil {
		t.Fatal(err)
	}
	var fromYAML Config
	if err := yaml.Unmarshal(buf.Bytes(), &fromYAML); err != nil {
		t.Fatalf("yaml output %q: %v", buf.String(), err)
	}
	if fromYAML.Ports.SynchroUDP != 4713 || fromYAML.Disable[0] != "s7" {
		t.Errorf("yaml round trip = %+v", fromYAML)
	}
	if !strings.Contains(buf.String(), "synchro_udp: 4713") {
		t.Errorf("yaml output missing key:\n%s", buf.String())
	}

	buf.Reset()
	if err := Encode(&buf, cfg, "toml"); err != nil {
		t.Fatal(err)
	}
	var fromTOML Config
	if err := toml.Unmarshal(buf.Bytes(), &fromTOML); err != nil {
		t.Fatalf("toml output %q: %v", buf.String(), err)
	}
	if fromTOML.Modbus.RegisterSpace != 20000 {
		t.Errorf("toml round trip = %+v", fromTOML)
	}

	if err := Encode(&buf, cfg, "ini"); err == nil {
		t.Error("expected error for ini")
	}
}

func TestWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "icslisten.yaml")
	if err := os.WriteFile(path, []byte("bind: 0.0.0.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func() { atomic.AddInt32(&calls, 1) }, nil)
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)

	// other files in the directory are ignored
	os.WriteFile(filepath.Join(filepath.Dir(path), "other.yaml"), []byte("x"), 0o644)
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte("bind: 127.0.0.1\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(3 * WatchDebounce)
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("onChange called %d times, want 1", n)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return")
	}
}
