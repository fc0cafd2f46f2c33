// Copyright 2024 The Kestrel Authors.
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

package kernel

import (
	"os"
	"path/filepath"
	"testing"

	"kestrelos.dev/kestrel/pkg/hostarch"
)

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate(): got error %v, wanted success", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.toml")
	const doc = `
[log]
level = "debug"

[memory]
user_start = "0x10000"
user_end = "0x40000000"
kernel_start = "0x80000000"
kernel_end = "0xfffff000"
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: got error %v, wanted success", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level: got %q, wanted \"debug\"", cfg.Log.Level)
	}
	if got, want := cfg.Memory.UserRange(), (hostarch.AddrRange{Start: 0x10000, End: 0x40000000}); got != want {
		t.Errorf("user range: got %v, wanted %v", got, want)
	}
	if got, want := cfg.Memory.KernelRange(), (hostarch.AddrRange{Start: 0x80000000, End: 0xfffff000}); got != want {
		t.Errorf("kernel range: got %v, wanted %v", got, want)
	}
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.toml")
	if err := os.WriteFile(path, []byte("[log]\nlevel = \"warning\"\n"), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: got error %v, wanted success", err)
	}
	if cfg.Log.Level != "warning" {
		t.Errorf("log level: got %q, wanted \"warning\"", cfg.Log.Level)
	}
	if cfg.Memory != DefaultConfig().Memory {
		t.Errorf("memory layout: got %+v, wanted defaults", cfg.Memory)
	}
}

func TestValidateRejectsBadLayouts(t *testing.T) {
	for _, test := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.Log.Level = "shouting" }},
		{"unaligned user start", func(c *Config) { c.Memory.UserStart += 0x100 }},
		{"inverted kernel range", func(c *Config) { c.Memory.KernelEnd = c.Memory.KernelStart - 0x1000 }},
		{"null page mapped", func(c *Config) { c.Memory.UserStart = 0 }},
		{"user range past kernel start", func(c *Config) { c.Memory.UserEnd = c.Memory.KernelStart + 0x1000 }},
	} {
		t.Run(test.name, func(t *testing.T) {
			cfg := DefaultConfig()
			test.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate: got success, wanted error")
			}
		})
	}
}

func TestAddressUnmarshal(t *testing.T) {
	var a Address
	if err := a.UnmarshalText([]byte("0xffff800000000000")); err != nil {
		t.Fatalf("UnmarshalText: got error %v, wanted success", err)
	}
	if a != 0xffff800000000000 {
		t.Errorf("parsed address: got %v, wanted 0xffff800000000000", a)
	}
	if err := a.UnmarshalText([]byte("zebra")); err == nil {
		t.Errorf("UnmarshalText of garbage: got success, wanted error")
	}
}
