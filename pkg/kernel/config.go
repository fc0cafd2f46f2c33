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
	"fmt"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"kestrelos.dev/kestrel/pkg/hostarch"
)

// Address is a virtual address in configuration files, written as a hex
// string ("0xffff800000000000").
type Address hostarch.Addr

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText.
func (a *Address) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(string(text), 0, 64)
	if err != nil {
		return fmt.Errorf("parsing address %q: %w", string(text), err)
	}
	if uint64(hostarch.Addr(v)) != v {
		return fmt.Errorf("address %q does not fit the platform address size", string(text))
	}
	*a = Address(v)
	return nil
}

// String implements fmt.Stringer.String.
func (a Address) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// Config is the kernel configuration, loaded from a TOML file at boot.
type Config struct {
	Log    LogConfig    `toml:"log"`
	Memory MemoryConfig `toml:"memory"`
}

// LogConfig configures kernel logging.
type LogConfig struct {
	// Level is a logrus level name ("debug", "info", "warning", ...).
	Level string `toml:"level"`
}

// MemoryConfig lays out the virtual address space. The user range and the
// kernel range must be page-aligned and disjoint, with the kernel range
// above the user range; KernelStart doubles as the user/kernel boundary
// enforced by the system call layer.
type MemoryConfig struct {
	UserStart   Address `toml:"user_start"`
	UserEnd     Address `toml:"user_end"`
	KernelStart Address `toml:"kernel_start"`
	KernelEnd   Address `toml:"kernel_end"`
}

// UserRange returns the virtual address range available to process mappings.
func (c *MemoryConfig) UserRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.Addr(c.UserStart), End: hostarch.Addr(c.UserEnd)}
}

// KernelRange returns the virtual address range owned by the kernel.
func (c *MemoryConfig) KernelRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.Addr(c.KernelStart), End: hostarch.Addr(c.KernelEnd)}
}

// DefaultConfig returns the configuration used when no file is supplied:
// a conventional lower-half user space and upper-half kernel space.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		Memory: MemoryConfig{
			UserStart:   0x0000000000010000,
			UserEnd:     0x00007ffffffff000,
			KernelStart: 0xffff800000000000,
			KernelEnd:   0xfffffffffffff000,
		},
	}
}

// LoadConfig reads a TOML configuration file, applying defaults for any
// omitted field.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	user := c.Memory.UserRange()
	kern := c.Memory.KernelRange()
	for _, r := range []struct {
		name string
		ar   hostarch.AddrRange
	}{
		{"user", user},
		{"kernel", kern},
	} {
		if !r.ar.WellFormed() || r.ar.Length() == 0 {
			return fmt.Errorf("%s address range %v is malformed", r.name, r.ar)
		}
		if !r.ar.IsPageAligned() {
			return fmt.Errorf("%s address range %v is not page-aligned", r.name, r.ar)
		}
	}
	if user.Start == 0 {
		return fmt.Errorf("user address range must not include the null page")
	}
	if user.End > kern.Start {
		return fmt.Errorf("user range %v extends past the kernel boundary %v", user, Address(kern.Start))
	}
	return nil
}
