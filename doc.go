// Package ibstore generates and reads indexed binary datasets: synthetic
// sample shards with O(1) random access for benchmarking training input
// pipelines.
//
// A shard with base name N is stored as three files:
//   - N: concatenated sample bytes
//   - N.off.idx: one native-endian uint64 byte offset per sample
//   - N.sz.idx: one native-endian uint64 byte size per sample
//
// Shards are written under hidden partial names and renamed into place once
// complete. A manifest (.ibstore.json) in the data directory lists every
// shard with its layout.
//
// # Generating
//
// A [GenerationPlan] describes the files to write. With no more files than
// workers, every worker writes a disjoint sample range of every shard
// (collective mode); otherwise shards are assigned to workers round-robin
// (independent mode). Run all workers in this process:
//
//	plan := ibstore.GenerationPlan{
//	    DataDir:       "/data/bench",
//	    RecordLength:  150528,
//	    NumFilesTrain: 8,
//	    NumSamples:    1024,
//	    Workers:       4,
//	}
//	reports, err := ibstore.GenerateLocal(ctx, plan,
//	    ibstore.GenerateWithLogger(logger),
//	)
//
// Workers in separate processes join a [Group] with [JoinFileGroup] and call
// [NewGenerator] and [Generator.Generate] with their own rank.
//
// # Reading
//
//	s, err := ibstore.Open("/data/bench")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//	sample, err := s.Split(ibstore.Train).ReadIndex(42, 0)
//
// A [Split] provides both index-based and sequential reads and can back a
// loader.SampleIndex or loader.IteratorIndex. Shards exported with
// [ExportStream] can only be read sequentially, through a [StreamReader].
package ibstore
