package store

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/dnr/blobd/alloc"
	"github.com/dnr/blobd/format"
)

const (
	// blockGrowStep is the minimum number of data blocks one growth adds,
	// to keep growth calls off the hot path.
	blockGrowStep = 64
	// nodeGrowStep is how many node records one growth adds.
	nodeGrowStep = 128
)

// Device is the file-backed block device holding the superblock and data
// blocks. Block 0 of the file is the superblock; data block i lives at file
// block i+1. The node table is not on the device; it persists through the
// metadata store. Device also grows the volume on behalf of the allocator.
type Device struct {
	fd   int
	path string

	mu        sync.Mutex
	blocks    uint64 // data blocks
	nodes     uint32
	maxBlocks uint64 // 0 means unbounded
}

func OpenDevice(path string, maxBlocks uint64) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open device %s: %w", path, err)
	}
	return &Device{fd: fd, path: path, maxBlocks: maxBlocks}, nil
}

func (d *Device) Close() error {
	return unix.Close(d.fd)
}

// Format initializes an empty volume: truncate, write a fresh superblock.
func (d *Device) Format(initialBlocks uint64, initialNodes uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := unix.Ftruncate(d.fd, int64(1+initialBlocks)<<format.BlockShift); err != nil {
		return fmt.Errorf("truncate device: %w", err)
	}
	d.blocks = initialBlocks
	d.nodes = initialNodes
	return d.writeSuperblockLocked()
}

// Load reads and validates the superblock of an existing volume.
func (d *Device) Load() error {
	buf := make([]byte, format.BlockSize)
	if _, err := unix.Pread(d.fd, buf, 0); err != nil {
		return fmt.Errorf("read superblock: %w", err)
	}
	sb, err := format.DecodeSuperblock(buf)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.blocks = sb.DataBlockCount
	d.nodes = sb.NodeCount
	d.mu.Unlock()
	return nil
}

func (d *Device) writeSuperblockLocked() error {
	sb := format.Superblock{
		Magic:          format.Magic,
		Version:        format.Version,
		BlockShift:     format.BlockShift,
		DataBlockCount: d.blocks,
		NodeCount:      d.nodes,
	}
	b, err := sb.Encode()
	if err != nil {
		return err
	}
	if _, err := unix.Pwrite(d.fd, b, 0); err != nil {
		return fmt.Errorf("write superblock: %w", err)
	}
	return nil
}

// FlushSuperblock rewrites the superblock with the current geometry and
// syncs the device.
func (d *Device) FlushSuperblock() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writeSuperblockLocked(); err != nil {
		return err
	}
	return unix.Fdatasync(d.fd)
}

// ReadAt reads length bytes starting at byte off within data block first.
// The range must stay inside allocated data blocks.
func (d *Device) ReadAt(buf []byte, firstBlock uint64, off int64) error {
	pos := int64(1+firstBlock)<<format.BlockShift + off
	n, err := unix.Pread(d.fd, buf, pos)
	if err != nil {
		return fmt.Errorf("device read: %w", err)
	}
	if n < len(buf) {
		// inside the truncated size this means a short file, not EOF
		clear(buf[n:])
	}
	return nil
}

// WriteAt writes buf starting at data block first.
func (d *Device) WriteAt(buf []byte, firstBlock uint64) error {
	pos := int64(1+firstBlock) << format.BlockShift
	if _, err := unix.Pwrite(d.fd, buf, pos); err != nil {
		return fmt.Errorf("device write: %w", err)
	}
	return nil
}

func (d *Device) Sync() error {
	if err := unix.Fdatasync(d.fd); err != nil {
		return fmt.Errorf("device sync: %w", err)
	}
	return nil
}

// Info implements alloc.SpaceProvider.
func (d *Device) Info() alloc.SpaceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return alloc.SpaceInfo{
		BlockSize:      format.BlockSize,
		DataBlockCount: d.blocks,
		NodeCount:      d.nodes,
	}
}

// AddBlocks grows the backing file by at least n data blocks, bounded by
// the configured maximum. Implements alloc.SpaceProvider.
func (d *Device) AddBlocks(n uint64) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	newBlocks := d.blocks + max(n, blockGrowStep)
	if d.maxBlocks > 0 && newBlocks > d.maxBlocks {
		newBlocks = d.maxBlocks
	}
	if newBlocks <= d.blocks {
		return 0, alloc.ErrNoSpace
	}
	if err := unix.Ftruncate(d.fd, int64(1+newBlocks)<<format.BlockShift); err != nil {
		return 0, fmt.Errorf("grow device: %w", err)
	}
	d.blocks = newBlocks
	return newBlocks, nil
}

// SyncGeometry raises the device geometry to match restored allocator
// state. The superblock can lag the metadata store by a crash; the
// metadata side wins.
func (d *Device) SyncGeometry(blocks uint64, nodes uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if blocks > d.blocks {
		if err := unix.Ftruncate(d.fd, int64(1+blocks)<<format.BlockShift); err != nil {
			return fmt.Errorf("grow device: %w", err)
		}
		d.blocks = blocks
	}
	if nodes > d.nodes {
		d.nodes = nodes
	}
	return d.writeSuperblockLocked()
}

// AddInodes extends the node table. The table lives in the metadata store,
// so this only bumps the count. Implements alloc.SpaceProvider.
func (d *Device) AddInodes() (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes += nodeGrowStep
	return d.nodes, nil
}
