package sstable

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/hummock/pkg/types"
)

// Iterator walks one SST's rows in key order. Callers advance with Next
// before the first and every subsequent read, mirroring database/sql's
// Rows convention.
type Iterator struct {
	store *Store
	info  *types.SstInfo

	blockIdx int
	rows     []types.KeyValue
	rowIdx   int
}

// NewIterator opens a positioned-before-first iterator over id's rows.
func NewIterator(ctx context.Context, store *Store, id types.SstID) (*Iterator, error) {
	info, err := store.GetMeta(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load sst %d meta: %w", id, err)
	}
	return &Iterator{store: store, info: info, blockIdx: -1}, nil
}

// Next advances to the next row, fetching and decoding blocks lazily as
// the current one is exhausted. Returns false once every block has been
// consumed.
func (it *Iterator) Next(ctx context.Context) (bool, error) {
	for {
		if it.rowIdx+1 < len(it.rows) {
			it.rowIdx++
			return true, nil
		}
		it.blockIdx++
		if it.blockIdx >= len(it.info.BlockLocations) {
			return false, nil
		}
		rows, err := it.loadBlock(ctx, it.blockIdx)
		if err != nil {
			return false, err
		}
		it.rows = rows
		it.rowIdx = -1
	}
}

func (it *Iterator) loadBlock(ctx context.Context, index int) ([]types.KeyValue, error) {
	loc := it.info.BlockLocations[index]
	raw, err := it.store.GetBlock(ctx, it.info.SstID, loc, uint32(index), types.CacheFill)
	if err != nil {
		return nil, fmt.Errorf("fetch sst %d block %d: %w", it.info.SstID, index, err)
	}
	data, err := decompressBlock(raw, it.info.Compression)
	if err != nil {
		return nil, fmt.Errorf("decompress sst %d block %d: %w", it.info.SstID, index, err)
	}
	var rows []types.KeyValue
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode sst %d block %d: %w", it.info.SstID, index, err)
	}
	return rows, nil
}

// Value returns the row the iterator currently sits on. Only valid
// after Next has returned true.
func (it *Iterator) Value() types.KeyValue { return it.rows[it.rowIdx] }

// SstID reports which SST this iterator reads from, used to tag output
// rows with their source table during a merge.
func (it *Iterator) SstID() types.SstID { return it.info.SstID }
