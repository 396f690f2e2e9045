package ibstore

// ProgressEvent represents a progress update during generation, verification,
// or export.
type ProgressEvent struct {
	// Stage identifies the current phase of the operation.
	Stage ProgressStage

	// Rank is the worker reporting the event.
	Rank int

	// File is the shard base name currently being processed, if applicable.
	File string

	// SamplesDone is the number of samples (or index entries) completed
	// by this worker for the current file.
	SamplesDone int64

	// SamplesTotal is this worker's sample count for the current file.
	SamplesTotal int64

	// BytesDone is the number of bytes written by this worker so far.
	BytesDone uint64

	// BytesTotal is the total bytes this worker will write.
	// Zero indicates the total is unknown.
	BytesTotal uint64
}

// ProgressStage identifies the current phase of an operation.
type ProgressStage uint8

// Progress stages.
const (
	// StagePreparing indicates directories are being created and the plan validated.
	StagePreparing ProgressStage = iota

	// StageWritingIndex indicates offset and size entries are being written
	// (collective mode metadata phase).
	StageWritingIndex

	// StageWritingSamples indicates sample bytes are being written
	// (collective mode data phase).
	StageWritingSamples

	// StageWritingShard indicates a whole shard is being written by its owner
	// (independent mode).
	StageWritingShard

	// StagePublishing indicates completed artifacts are being renamed into place.
	StagePublishing

	// StageVerifying indicates shard invariants are being checked.
	StageVerifying

	// StageExporting indicates a shard is being exported as a sample stream.
	StageExporting
)

// String returns the string representation of the stage.
func (s ProgressStage) String() string {
	switch s {
	case StagePreparing:
		return "preparing"
	case StageWritingIndex:
		return "writing index"
	case StageWritingSamples:
		return "writing samples"
	case StageWritingShard:
		return "writing shard"
	case StagePublishing:
		return "publishing"
	case StageVerifying:
		return "verifying"
	case StageExporting:
		return "exporting"
	default:
		return "unknown"
	}
}

// ProgressFunc receives progress updates during operations.
// Implementations must be safe for concurrent calls.
type ProgressFunc func(ProgressEvent)
