package main

import (
	"fmt"
	"os"

	"github.com/blockfs-core/blockfs/internal/config"
	"github.com/blockfs-core/blockfs/pkg/blockdev"
	"github.com/blockfs-core/blockfs/pkg/extent"
	"github.com/blockfs-core/blockfs/pkg/journal"
)

// session bundles an open device with the journal manager and extent
// allocator for one region, so every subcommand opens exactly the same
// way before doing its own work.
type session struct {
	file   *os.File
	dev    *blockdev.Device
	region config.Region
	mgr    *journal.Manager
	alloc  *extent.Allocator
}

func openSession(configPath, regionName string) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	region, err := cfg.RegionByName(regionName)
	if err != nil {
		return nil, err
	}

	if cfg.Device == "" {
		return nil, fmt.Errorf("config %q has no device path", configPath)
	}

	f, err := os.OpenFile(cfg.Device, os.O_RDWR, 0o644) //nolint:gosec // operator-supplied device path
	if err != nil {
		return nil, fmt.Errorf("opening device %q: %w", cfg.Device, err)
	}

	dev := blockdev.New(f)

	mgr, err := journal.Open(dev, region.JournalStart, region.JournalBlocks)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("opening journal for region %q: %w", region.Name, err)
	}

	alloc := extent.Open(dev, region.BitmapStart, region.TotalBlocks)

	return &session{file: f, dev: dev, region: region, mgr: mgr, alloc: alloc}, nil
}

// Close releases session-owned resources. The device file is owned by this
// CLI process (it opened it), unlike the borrowed-handle contract
// journal.Manager and extent.Allocator themselves follow — so, unlike
// Device.Close, this Close really does close the fd.
func (s *session) Close() error {
	_ = s.dev.Close()
	return s.file.Close()
}
