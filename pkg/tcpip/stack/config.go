// Copyright 2024 The Seastar Authors.
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

package stack

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bjoto/seastar/pkg/tcpip"
)

// Config is the stack configuration loaded from a file or environment.
type Config struct {
	// HostAddress is the local IPv4 address, dotted quad.
	HostAddress string `mapstructure:"host_address"`

	// Netmask is the connected subnet mask, dotted quad.
	Netmask string `mapstructure:"netmask"`

	// Gateway is the default gateway, dotted quad. Empty disables the
	// default route.
	Gateway string `mapstructure:"gateway"`

	// FragTimeout bounds how long an incomplete reassembly is kept.
	FragTimeout time.Duration `mapstructure:"frag_timeout"`

	// FragMemLow is the per-shard reassembly memory target after an
	// eviction sweep, in bytes.
	FragMemLow int `mapstructure:"frag_mem_low"`

	// FragMemHigh is the per-shard reassembly memory bound that triggers
	// eviction, in bytes.
	FragMemHigh int `mapstructure:"frag_mem_high"`

	// ARPRequestTimeout is how long to wait for a reply to one ARP
	// request.
	ARPRequestTimeout time.Duration `mapstructure:"arp_request_timeout"`

	// ARPTTL is how long a learned ARP entry stays valid.
	ARPTTL time.Duration `mapstructure:"arp_ttl"`

	// Shards is the number of packet-processing shards.
	Shards int `mapstructure:"shards"`

	// LogLevel is the verbosity of the stack logger.
	LogLevel string `mapstructure:"log_level"`
}

// LoadConfig reads the stack configuration from path. Environment
// variables prefixed with SEASTAR_ override file values.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	dir := filepath.Dir(path)
	filename := filepath.Base(path)
	ext := filepath.Ext(filename)
	v.SetConfigName(strings.TrimSuffix(filename, ext))
	v.SetConfigType(strings.TrimPrefix(ext, "."))
	v.AddConfigPath(dir)

	v.SetEnvPrefix("SEASTAR")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.FragTimeout == 0 {
		c.FragTimeout = 30 * time.Second
	}
	if c.FragMemLow == 0 {
		c.FragMemLow = 3 << 20
	}
	if c.FragMemHigh == 0 {
		c.FragMemHigh = 4 << 20
	}
	if c.ARPRequestTimeout == 0 {
		c.ARPRequestTimeout = time.Second
	}
	if c.ARPTTL == 0 {
		c.ARPTTL = 20 * time.Minute
	}
	if c.Shards == 0 {
		c.Shards = 1
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Addresses parses the configured host, netmask and gateway.
func (c *Config) Addresses() (host tcpip.Address, mask tcpip.AddressMask, gateway tcpip.Address, err error) {
	host, ok := tcpip.ParseIPv4(c.HostAddress)
	if !ok {
		return "", "", "", fmt.Errorf("bad host_address %q", c.HostAddress)
	}
	m, ok := tcpip.ParseIPv4(c.Netmask)
	if !ok {
		return "", "", "", fmt.Errorf("bad netmask %q", c.Netmask)
	}
	if c.Gateway != "" {
		gateway, ok = tcpip.ParseIPv4(c.Gateway)
		if !ok {
			return "", "", "", fmt.Errorf("bad gateway %q", c.Gateway)
		}
	}
	return host, tcpip.AddressMask(m), gateway, nil
}
