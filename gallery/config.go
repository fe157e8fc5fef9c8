// Copyright 2018 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package gallery

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Network is a chain the gallery accepts transactions on.
type Network struct {
	Name        string `yaml:"name" json:"name"`
	ChainID     uint64 `yaml:"chain_id" json:"chainId"`
	ExplorerURL string `yaml:"explorer_url" json:"explorerUrl"`
}

// Networks is the static table of supported networks.
type Networks []Network

// Supported reports whether transactions may be sent on chainID.
func (n Networks) Supported(chainID uint64) bool {
	_, ok := n.Lookup(chainID)
	return ok
}

// Lookup returns the network entry for chainID.
func (n Networks) Lookup(chainID uint64) (Network, bool) {
	for _, net := range n {
		if net.ChainID == chainID {
			return net, true
		}
	}
	return Network{}, false
}

// TxURL returns the block explorer link for a transaction, or "" when the
// network has no explorer.
func (n Networks) TxURL(chainID uint64, tx common.Hash) string {
	net, ok := n.Lookup(chainID)
	if !ok || net.ExplorerURL == "" {
		return ""
	}
	return strings.TrimSuffix(net.ExplorerURL, "/") + "/tx/" + tx.Hex()
}

// DefaultNetworks lists the networks the gallery is deployed to.
var DefaultNetworks = Networks{
	{Name: "Ethereum", ChainID: 1, ExplorerURL: "https://etherscan.io"},
	{Name: "Sepolia", ChainID: 11155111, ExplorerURL: "https://sepolia.etherscan.io"},
	{Name: "Lisk Sepolia", ChainID: 4202, ExplorerURL: "https://sepolia-blockscout.lisk.com"},
	{Name: "Hardhat", ChainID: 31337},
}

// Config holds the tunables of a gallery session.
type Config struct {
	// ReadTimeout bounds every individual contract read.
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// ReceiptTimeout bounds the wait for a transaction to be mined.
	ReceiptTimeout time.Duration `yaml:"receipt_timeout"`
	// ReceiptPollInterval is the delay between receipt lookups.
	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval"`
	// LogPollInterval is used for event polling when the node cannot push
	// log notifications.
	LogPollInterval time.Duration `yaml:"log_poll_interval"`
	// LoadAttempts caps the retries of the initial snapshot load.
	LoadAttempts uint64 `yaml:"load_attempts"`
	// MetadataConcurrency caps parallel metadata fetches.
	MetadataConcurrency int `yaml:"metadata_concurrency"`
	// MetadataTimeout bounds a single metadata fetch.
	MetadataTimeout time.Duration `yaml:"metadata_timeout"`
	// IPFSGateway rewrites ipfs:// metadata URIs into HTTP ones.
	IPFSGateway string `yaml:"ipfs_gateway"`
	// AutoAcknowledge returns the controller to Idle as soon as a finished
	// task has been handed back to the caller.
	AutoAcknowledge bool `yaml:"auto_acknowledge"`
	// DeployBlock is the first block scanned for Transfer history.
	DeployBlock uint64 `yaml:"deploy_block"`
	// EventQueue is the capacity of the reconciliation queue.
	EventQueue int `yaml:"event_queue"`
	// Networks is the supported network table.
	Networks Networks `yaml:"networks"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		ReadTimeout:         15 * time.Second,
		ReceiptTimeout:      5 * time.Minute,
		ReceiptPollInterval: 2 * time.Second,
		LogPollInterval:     4 * time.Second,
		LoadAttempts:        5,
		MetadataConcurrency: 16,
		MetadataTimeout:     10 * time.Second,
		IPFSGateway:         "https://ipfs.io/ipfs/",
		EventQueue:          256,
		Networks:            append(Networks(nil), DefaultNetworks...),
	}
}

// LoadConfig reads a YAML config file on top of the defaults. A missing
// file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("gallery: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("gallery: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config for values the session cannot run with.
func (c *Config) Validate() error {
	if c.MetadataConcurrency <= 0 {
		return fmt.Errorf("gallery: metadata_concurrency must be positive, got %d", c.MetadataConcurrency)
	}
	if c.EventQueue <= 0 {
		return fmt.Errorf("gallery: event_queue must be positive, got %d", c.EventQueue)
	}
	if len(c.Networks) == 0 {
		return fmt.Errorf("gallery: at least one network is required")
	}
	seen := make(map[uint64]bool)
	for _, n := range c.Networks {
		if seen[n.ChainID] {
			return fmt.Errorf("gallery: duplicate network chain id %d", n.ChainID)
		}
		seen[n.ChainID] = true
	}
	return nil
}
