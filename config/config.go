// https://github.com/edaelli/lone-go
//
// Copyright (c) The lone-go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package config loads the YAML test/tool configuration the cmd/lone
// subcommands and any future test harness read their slot/namespace/
// queue-depth parameters from, grounded on nvtest/conftest.py's
// lone_config fixture: one YAML document, a "dut" section naming the
// target, and per-tool sections for the rest.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Dut names the device under test, mirroring conftest.py's lone_config
// fixture overriding config['dut']['pci_slot'] from a --pci-slot flag.
// PCISlot is "nvsim" to attach to the in-process simulator instead of a
// real VFIO-bound device, matching scripts/nvme/list.py's
// SimpleNamespace(pci_slot='nvsim') sentinel.
type Dut struct {
	PCISlot string `yaml:"pci_slot"`
}

// RW holds the parameters scripts/nvme/rw.py takes as flags.
type RW struct {
	Namespace uint32 `yaml:"namespace"`
	SLBA      uint64 `yaml:"slba"`
	BlockSize int    `yaml:"block_size"`
	NumCmds   int    `yaml:"num_cmds"`
}

// Flush holds the parameters scripts/nvme/flush.py takes as flags.
type Flush struct {
	Namespace uint32 `yaml:"namespace"`
}

// FullSeqWrite holds the parameters scripts/nvme/full_seq_write.py takes
// as flags.
type FullSeqWrite struct {
	Namespace    uint32 `yaml:"namespace"`
	Format       bool   `yaml:"format"`
	FmtBlockSize int    `yaml:"fmt_blk_size"`
	QueueDepth   int    `yaml:"queue_depth"`
	WrBlockSize  int    `yaml:"wr_block_size"`
	SLBA         uint64 `yaml:"slba"`
	TimeoutS     int    `yaml:"timeout_s"`
}

// MSIX holds the parameters scripts/nvme/msix.py takes as flags.
type MSIX struct {
	NumVectors int `yaml:"num_vectors"`
	Start      int `yaml:"start"`
}

// Config is the top-level YAML document every cmd/lone subcommand loads.
type Config struct {
	Dut          Dut          `yaml:"dut"`
	RW           RW           `yaml:"rw"`
	Flush        Flush        `yaml:"flush"`
	FullSeqWrite FullSeqWrite `yaml:"full_seq_write"`
	MSIX         MSIX         `yaml:"msix"`
	Verbose      bool         `yaml:"verbose"`
}

// Defaults returns a Config with the same defaults the original scripts
// fall back to when a flag is not given, so a minimal YAML file still
// runs.
func Defaults() *Config {
	return &Config{
		Dut: Dut{PCISlot: "nvsim"},
		RW: RW{
			BlockSize: 32 * 1024,
			NumCmds:   32,
		},
		FullSeqWrite: FullSeqWrite{
			FmtBlockSize: 4096,
			QueueDepth:   32,
			WrBlockSize:  32 * 1024,
			TimeoutS:     48 * 60 * 60,
		},
		MSIX: MSIX{NumVectors: 2, Start: 0},
	}
}

// Load reads and parses a YAML config file at path, starting from
// Defaults so any field the file omits keeps its default value.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	return cfg, nil
}
