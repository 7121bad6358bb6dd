// Package mergeiter implements the k-way merge a compactor runs over its
// input levels: a ConcatSSTableIterator walks one nonoverlapping level's
// SSTs in key order, and an UnorderedMergeIterator fans those (plus any
// overlapping L0 sources) into a single stream ordered by user key
// ascending, then epoch descending, so the newest version of a key
// always surfaces first. A Deduper sits on top to drop shadowed
// versions and tombstones once the compaction's safe watermark makes
// them unobservable.
package mergeiter
