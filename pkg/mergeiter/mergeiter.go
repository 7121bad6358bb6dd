package mergeiter

import (
	"bytes"
	"container/heap"
	"context"

	"github.com/cuemby/hummock/pkg/types"
)

// Source is the minimal shape both a single SST iterator and a
// ConcatSSTableIterator satisfy, letting UnorderedMergeIterator treat
// either as one merge input.
type Source interface {
	Next(ctx context.Context) (bool, error)
	Value() types.KeyValue
}

// ConcatSSTableIterator walks a nonoverlapping level's SSTs end to end
// in the order given, which must already be key-sorted across SSTs (the
// level's own invariant). It satisfies Source, so one nonoverlapping
// level counts as a single merge input.
type ConcatSSTableIterator struct {
	iters []Source
	idx   int
}

// NewConcatSSTableIterator concatenates iters in order.
func NewConcatSSTableIterator(iters []Source) *ConcatSSTableIterator {
	return &ConcatSSTableIterator{iters: iters, idx: 0}
}

func (c *ConcatSSTableIterator) Next(ctx context.Context) (bool, error) {
	for c.idx < len(c.iters) {
		ok, err := c.iters[c.idx].Next(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		c.idx++
	}
	return false, nil
}

func (c *ConcatSSTableIterator) Value() types.KeyValue {
	return c.iters[c.idx].Value()
}

type heapEntry struct {
	src Source
	kv  types.KeyValue
}

type entryHeap []*heapEntry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	c := bytes.Compare(h[i].kv.UserKey, h[j].kv.UserKey)
	if c != 0 {
		return c < 0
	}
	return h[i].kv.Epoch > h[j].kv.Epoch
}
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(*heapEntry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// UnorderedMergeIterator merges any number of Source streams into one,
// ordered by user key ascending then epoch descending. Equal user keys
// from distinct sources surface as separate rows in newest-first order;
// Deduper is what collapses them.
type UnorderedMergeIterator struct {
	sources []Source
	h       entryHeap
	cur     types.KeyValue
	started bool
}

// NewUnorderedMergeIterator builds a merge over sources. Each must be
// positioned before its first row (Next not yet called).
func NewUnorderedMergeIterator(sources []Source) *UnorderedMergeIterator {
	return &UnorderedMergeIterator{sources: sources}
}

func (m *UnorderedMergeIterator) init(ctx context.Context) error {
	m.h = make(entryHeap, 0, len(m.sources))
	for _, src := range m.sources {
		ok, err := src.Next(ctx)
		if err != nil {
			return err
		}
		if ok {
			m.h = append(m.h, &heapEntry{src: src, kv: src.Value()})
		}
	}
	heap.Init(&m.h)
	m.started = true
	return nil
}

// Next advances to the next row in merged order.
func (m *UnorderedMergeIterator) Next(ctx context.Context) (bool, error) {
	if !m.started {
		if err := m.init(ctx); err != nil {
			return false, err
		}
	} else if len(m.h) > 0 {
		top := m.h[0]
		ok, err := top.src.Next(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			top.kv = top.src.Value()
			heap.Fix(&m.h, 0)
		} else {
			heap.Pop(&m.h)
		}
	}
	if len(m.h) == 0 {
		return false, nil
	}
	m.cur = m.h[0].kv
	return true, nil
}

func (m *UnorderedMergeIterator) Value() types.KeyValue { return m.cur }
