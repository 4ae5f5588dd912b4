// Package stats holds the translator's atomic counters and exports
// per-chunk execution counts as a pprof profile.
package stats

import "fmt"
import "io"
import "sync/atomic"
import "unsafe"

import "github.com/google/pprof/profile"

/// Counter_t is a statistical counter safe for concurrent update.
type Counter_t int64

/// Inc increments the counter.
func (c *Counter_t) Inc() {
	n := (*int64)(unsafe.Pointer(c))
	atomic.AddInt64(n, 1)
}

/// Add adds m to the counter.
func (c *Counter_t) Add(m int64) {
	n := (*int64)(unsafe.Pointer(c))
	atomic.AddInt64(n, m)
}

/// Load returns the current value.
func (c *Counter_t) Load() int64 {
	n := (*int64)(unsafe.Pointer(c))
	return atomic.LoadInt64(n)
}

/// Translator_t groups the core's counters. One instance lives on the
/// emulator root object; none of these are ambient globals.
type Translator_t struct {
	Chunks        Counter_t /// chunks translated
	Retired       Counter_t /// chunks retired
	CodePatches   Counter_t /// write faults on code pages
	DynamicCode   Counter_t /// dynamic-code exceptions
	StackGrows    Counter_t /// silent stack growths
	MissingCode   Counter_t /// sentinel branch traps
	StaleBranches Counter_t /// illegal-instruction relocations
}

func (t *Translator_t) String() string {
	return fmt.Sprintf("chunks %d retired %d patches %d dynamic %d stackgrow %d missing %d stale %d",
		t.Chunks.Load(), t.Retired.Load(), t.CodePatches.Load(),
		t.DynamicCode.Load(), t.StackGrows.Load(), t.MissingCode.Load(),
		t.StaleBranches.Load())
}

/// Chunksample_t is one hot-chunk sample: a guest entry address and
/// how often translated code entered there.
type Chunksample_t struct {
	Eip   uint32
	Count int64
	Bytes int64 /// host bytes of the chunk
}

/// WriteChunkProfile writes the samples as a gzip-compressed pprof
/// profile keyed by guest eip, so the usual pprof tooling can rank hot
/// guest code.
func WriteChunkProfile(w io.Writer, samples []Chunksample_t) error {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "executions", Unit: "count"},
			{Type: "hostcode", Unit: "bytes"},
		},
		PeriodType: &profile.ValueType{Type: "executions", Unit: "count"},
		Period:     1,
	}
	for i, s := range samples {
		fn := &profile.Function{
			ID:         uint64(i + 1),
			Name:       fmt.Sprintf("guest_%08x", s.Eip),
			SystemName: fmt.Sprintf("guest_%08x", s.Eip),
		}
		loc := &profile.Location{
			ID:      uint64(i + 1),
			Address: uint64(s.Eip),
			Line:    []profile.Line{{Function: fn}},
		}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{s.Count, s.Bytes},
		})
	}
	if err := p.CheckValid(); err != nil {
		return err
	}
	return p.Write(w)
}
