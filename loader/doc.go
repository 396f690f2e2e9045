// Package loader turns a stored dataset into per-epoch sample sequences for
// a prefetch pipeline.
//
// A reader is wrapped in exactly one [Adapter] variant. [IndexAdapter]
// backs a [SampleIndex], which maps a worker's (position, step) requests
// through a per-epoch permutation. [IterAdapter] backs an [IteratorIndex],
// which streams whole shards. Constructing an index over the other variant
// fails with [ErrCapabilityMismatch].
//
// The end of an epoch is a normal result: Sample and Source.Next return
// ok == false with a nil error.
package loader
