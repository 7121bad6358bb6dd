package sstable

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/hummock/pkg/types"
	"github.com/klauspost/compress/zstd"
)

const (
	// DefaultBlockCapacity is the uncompressed byte threshold a block
	// rotates at.
	DefaultBlockCapacity = 64 * 1024
	// DefaultSstCapacity is the byte threshold a whole SST rotates at,
	// starting a fresh output file with a freshly allocated id.
	DefaultSstCapacity = 64 * 1024 * 1024
	// idAllocBatch is how many ids CapacitySplitBuilder reserves at once,
	// so a long merge doesn't round-trip to the meta node per output SST.
	idAllocBatch = 16
)

// SstIDAllocator reserves a contiguous range of never-reused ids, the
// same contract as Manager.GetNewSstIds.
type SstIDAllocator func(count uint32) (types.SstIDRange, error)

// CapacitySplitBuilder accumulates sorted KeyValue rows from a merge and
// rotates to a new output SST once either a block or the whole table
// crosses its capacity. SST ids are allocated lazily and in batches, so
// a merge that produces no rows never calls the allocator at all. Each
// output SST streams its blocks to the object store as they're
// produced via Store.PutSstStream, rather than buffering the whole
// output in memory before one batch upload.
type CapacitySplitBuilder struct {
	store       *Store
	alloc       SstIDAllocator
	compression string
	policy      types.CachePolicy
	blockCap    uint64
	sstCap      uint64

	idRange types.SstIDRange
	haveID  bool

	curBlock      []types.KeyValue
	curBlockBytes uint64

	writer   *SstWriter
	curID    types.SstID
	locs     []types.BlockLocation
	sstBytes uint64

	smallest, largest []byte
	tableIDs          map[uint32]struct{}
	staleKeys         uint64
	totalKeys         uint64

	outputs []*types.SstInfo
}

// NewCapacitySplitBuilder builds a writer that streams finished SSTs
// through store and allocates ids via alloc. compression selects
// none/lz4/zstd per-block encoding; policy controls whether a
// just-written SST's blocks are seeded into the block cache.
func NewCapacitySplitBuilder(store *Store, alloc SstIDAllocator, compression string, policy types.CachePolicy) *CapacitySplitBuilder {
	return &CapacitySplitBuilder{
		store:       store,
		alloc:       alloc,
		compression: compression,
		policy:      policy,
		blockCap:    DefaultBlockCapacity,
		sstCap:      DefaultSstCapacity,
		tableIDs:    make(map[uint32]struct{}),
	}
}

// Add appends one merged row to the current output SST, rotating blocks
// and SSTs as capacity is crossed. tableID is the logical table the row
// belongs to, used for the output SstInfo's TableIDs.
func (b *CapacitySplitBuilder) Add(ctx context.Context, kv types.KeyValue, tableID uint32) error {
	if b.smallest == nil || string(kv.UserKey) < string(b.smallest) {
		b.smallest = append([]byte(nil), kv.UserKey...)
	}
	if b.largest == nil || string(kv.UserKey) > string(b.largest) {
		b.largest = append([]byte(nil), kv.UserKey...)
	}
	b.tableIDs[tableID] = struct{}{}
	b.totalKeys++
	if kv.Delete {
		b.staleKeys++
	}

	b.curBlock = append(b.curBlock, kv)
	b.curBlockBytes += uint64(len(kv.UserKey) + len(kv.Value) + 16)

	if b.curBlockBytes >= b.blockCap {
		if err := b.flushBlock(ctx); err != nil {
			return err
		}
	}
	if b.sstBytes >= b.sstCap {
		return b.rotate(ctx)
	}
	return nil
}

// flushBlock encodes the current block and streams it straight to the
// output SST's upload, opening that upload (and allocating its id) on
// the first block of a fresh output.
func (b *CapacitySplitBuilder) flushBlock(ctx context.Context) error {
	if len(b.curBlock) == 0 {
		return nil
	}
	raw, err := json.Marshal(b.curBlock)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}
	encoded, err := compressBlock(raw, b.compression)
	if err != nil {
		return err
	}

	if b.writer == nil {
		id, err := b.nextSstID()
		if err != nil {
			return err
		}
		w, err := b.store.PutSstStream(ctx, id)
		if err != nil {
			return err
		}
		b.curID = id
		b.writer = w
	}
	if err := b.writer.WriteBlock(encoded); err != nil {
		return fmt.Errorf("write sst %d block: %w", b.curID, err)
	}

	b.locs = append(b.locs, types.BlockLocation{Offset: b.sstBytes, Size: uint32(len(encoded))})
	b.sstBytes += uint64(len(encoded))
	b.curBlock = b.curBlock[:0]
	b.curBlockBytes = 0
	return nil
}

// rotate finalizes the current output as one SST and resets builder
// state for the next one.
func (b *CapacitySplitBuilder) rotate(ctx context.Context) error {
	if err := b.flushBlock(ctx); err != nil {
		return err
	}
	if b.writer == nil {
		return nil
	}

	tableIDs := make([]uint32, 0, len(b.tableIDs))
	for id := range b.tableIDs {
		tableIDs = append(tableIDs, id)
	}

	info := &types.SstInfo{
		SstID:          b.curID,
		KeyRange:       types.KeyRange{Smallest: b.smallest, Largest: b.largest},
		FileSize:       b.sstBytes,
		TableIDs:       tableIDs,
		StaleKeyCount:  b.staleKeys,
		TotalKeyCount:  b.totalKeys,
		BlockLocations: b.locs,
		Compression:    b.compression,
	}

	metaBytes, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode sst meta: %w", err)
	}
	info.MetaSize = uint64(len(metaBytes))
	if err := b.writer.FinishPutSstStream(ctx, info, metaBytes, b.policy); err != nil {
		return fmt.Errorf("finish sst %d: %w", b.curID, err)
	}

	b.outputs = append(b.outputs, info)
	b.resetOutput()
	return nil
}

func (b *CapacitySplitBuilder) resetOutput() {
	b.writer = nil
	b.curID = 0
	b.locs = nil
	b.sstBytes = 0
	b.smallest = nil
	b.largest = nil
	b.tableIDs = make(map[uint32]struct{})
	b.staleKeys = 0
	b.totalKeys = 0
}

func (b *CapacitySplitBuilder) nextSstID() (types.SstID, error) {
	if !b.haveID || b.idRange.Start >= b.idRange.End {
		r, err := b.alloc(idAllocBatch)
		if err != nil {
			return 0, fmt.Errorf("allocate sst ids: %w", err)
		}
		b.idRange = r
		b.haveID = true
	}
	id := b.idRange.Start
	b.idRange.Start++
	return id, nil
}

// Finish flushes any partial block and SST and returns every output
// SstInfo produced.
func (b *CapacitySplitBuilder) Finish(ctx context.Context) ([]*types.SstInfo, error) {
	if len(b.curBlock) > 0 || b.writer != nil {
		if err := b.rotate(ctx); err != nil {
			return nil, err
		}
	}
	return b.outputs, nil
}

func compressBlock(raw []byte, algo string) ([]byte, error) {
	switch algo {
	case "", "none":
		return raw, nil
	case "zstd":
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(raw, nil), nil
	case "lz4":
		return lz4Compress(raw)
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", algo)
	}
}

// decompressBlock reverses compressBlock; Iterator uses it when it
// loads a block.
func decompressBlock(data []byte, algo string) ([]byte, error) {
	switch algo {
	case "", "none":
		return data, nil
	case "zstd":
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	case "lz4":
		return lz4Decompress(data)
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", algo)
	}
}
