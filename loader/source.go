package loader

import "context"

// Source is the pull interface consumed by a prefetch pipeline. Next
// returns the next sample, or ok == false once the epoch is over.
type Source interface {
	Next(ctx context.Context) (s Sample, ok bool, err error)
}

// Cursor walks one worker's positions of a SampleIndex in order, grouping
// them into batches of the configured size.
type Cursor struct {
	ix  *SampleIndex
	pos int64
}

// NewCursor returns a cursor positioned at the start of ix.
func NewCursor(ix *SampleIndex) *Cursor {
	return &Cursor{ix: ix}
}

// Next implements Source.
func (c *Cursor) Next(ctx context.Context) (Sample, bool, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, false, err
	}
	step := int(c.pos / int64(c.ix.cfg.BatchSize))
	s, ok, err := c.ix.Sample(c.pos, step)
	if ok {
		c.pos++
	}
	return s, ok, err
}

// PullSource adapts an IteratorIndex sequence to Source.
type PullSource struct {
	next func() (Sample, error, bool)
	stop func()
}

// Next implements Source.
func (p *PullSource) Next(ctx context.Context) (Sample, bool, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, false, err
	}
	s, err, ok := p.next()
	if !ok {
		return Sample{}, false, nil
	}
	if err != nil {
		return Sample{}, false, err
	}
	return s, true, nil
}

// Close releases the underlying sequence.
func (p *PullSource) Close() {
	p.stop()
}
