// Package profiler implements the bounded sampling harness from spec.md
// §4.3: it runs a user function serially over a small prefix of a workload
// to estimate per-item compute cost, per-item serialization cost, and output
// size, using compensated summation so that measurements on the order of
// microseconds don't lose precision when aggregated over tens of samples.
//
// This is grounded on internal/inspect/collector.go's "Collect" shape — a
// sequence of measurement steps aggregated into one snapshot — with one
// difference spec.md §4.3 requires: a failure in the user function itself is
// not degraded in place, it aborts and propagates, because it signals a
// broken precondition rather than missing optional data.
package profiler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrUserFunctionFailed wraps a panic or error raised by the work function
// during sampling. It is never degraded — the caller's function is broken
// and must be fixed.
var ErrUserFunctionFailed = errors.New("profiler: user function failed during sampling")

// ErrProfileTimeout is returned when sampling exceeds its wall-clock budget
// before gathering the minimum 3 samples required for a usable profile.
var ErrProfileTimeout = errors.New("profiler: timed out before gathering minimum samples")

const (
	// MinSamples is the floor for clamp(ceil(n/20), 10, 100).
	MinSamples = 10
	// MaxSamplesCeiling is the ceiling for clamp(ceil(n/20), 10, 100).
	MaxSamplesCeiling = 100
	// MinSamplesForPartialTimeout is the minimum sample count that allows a
	// timed-out profile run to return a partial result instead of an error.
	MinSamplesForPartialTimeout = 3
	// DefaultMaxSamples is the default cap applied to k after the
	// workload-derived clamp.
	DefaultMaxSamples = 20
	// DefaultTimeout is the absolute wall-clock sampling budget.
	DefaultTimeout = 5 * time.Second
	// HeterogeneityThreshold flags a workload as heterogeneous when the
	// coefficient of variation of compute time exceeds this value.
	HeterogeneityThreshold = 0.5
)

// Func is the work function under measurement: it accepts one input item
// and returns one output item (spec.md §3's WorkFunction).
type Func[In, Out any] func(In) (Out, error)

// Codec estimates serialized byte size and pays the encode cost being
// measured (spec.md §6's "encode(value) -> bytes").
type Codec[T any] interface {
	Encode(T) ([]byte, error)
}

// SampleMeasurement is one profiling observation (spec.md §3).
type SampleMeasurement struct {
	ComputeTime   time.Duration
	EncodeInTime  time.Duration
	EncodeOutTime time.Duration
	// OutputSize is the serialized byte size of the result, or +Inf if
	// encoding the result failed (spec.md §6: encoder errors are treated as
	// infinite size to force a pessimistic memory estimate).
	OutputSize float64
}

// WorkloadProfile aggregates SampleMeasurements (spec.md §3).
type WorkloadProfile struct {
	SampleCount int

	MeanComputeTime    time.Duration
	MeanEncodeInTime   time.Duration
	MeanEncodeOutTime  time.Duration
	OutputSizeEstimate float64

	// Heterogeneity is the coefficient of variation of compute time.
	Heterogeneity float64
	Heterogeneous bool

	// EncoderFailed records whether any sample's output failed to encode,
	// so callers can surface the EncoderFailed advisory (spec.md §7).
	EncoderFailed bool

	// Partial is true when the wall-clock budget was exceeded and the
	// profile reflects fewer than the originally intended sample count.
	Partial bool
}

// Options controls a single profiling run (spec.md §4.3 and §4.8's Opts).
type Options struct {
	// MaxSamples caps k after the workload-derived clamp; 0 uses
	// DefaultMaxSamples.
	MaxSamples int
	// Timeout is the absolute wall-clock sampling budget; 0 uses
	// DefaultTimeout.
	Timeout time.Duration
}

func (o Options) normalized() Options {
	if o.MaxSamples <= 0 {
		o.MaxSamples = DefaultMaxSamples
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// SampleCount implements spec.md §4.3 step 1:
// k = clamp(ceil(workloadSize / 20), 10, 100), further bounded by
// maxSamples and the workload size itself.
func SampleCount(workloadSize, maxSamples int) int {
	if workloadSize <= 0 {
		return 0
	}
	k := (workloadSize + 19) / 20 // ceil(workloadSize / 20)
	if k < MinSamples {
		k = MinSamples
	}
	if k > MaxSamplesCeiling {
		k = MaxSamplesCeiling
	}
	if maxSamples > 0 && k > maxSamples {
		k = maxSamples
	}
	if k > workloadSize {
		k = workloadSize
	}
	return k
}

// Profile runs fn serially over the first k items of items (k per
// SampleCount), measuring encode/compute/encode-out cost for each, and
// returns the aggregated WorkloadProfile.
func Profile[In, Out any](ctx context.Context, fn Func[In, Out], items []In, inCodec Codec[In], outCodec Codec[Out], opts Options) (WorkloadProfile, error) {
	opts = opts.normalized()

	k := SampleCount(len(items), opts.MaxSamples)
	if k == 0 {
		return WorkloadProfile{}, nil
	}

	deadline := time.Now().Add(opts.Timeout)
	samples := make([]SampleMeasurement, 0, k)
	encoderFailed := false
	partial := false

	for i := 0; i < k; i++ {
		if ctx.Err() != nil {
			return WorkloadProfile{}, ctx.Err()
		}
		if time.Now().After(deadline) {
			if len(samples) >= MinSamplesForPartialTimeout {
				partial = true
				break
			}
			return WorkloadProfile{}, fmt.Errorf("%w: gathered %d of %d required samples", ErrProfileTimeout, len(samples), MinSamplesForPartialTimeout)
		}

		m, err := measureOne(fn, items[i], inCodec, outCodec)
		if err != nil {
			return WorkloadProfile{}, fmt.Errorf("%w: %v", ErrUserFunctionFailed, err)
		}
		if math.IsInf(m.OutputSize, 1) {
			encoderFailed = true
		}
		samples = append(samples, m)
	}

	if len(samples) == 0 {
		return WorkloadProfile{}, fmt.Errorf("%w: gathered 0 samples", ErrProfileTimeout)
	}

	profile := aggregate(samples)
	profile.EncoderFailed = encoderFailed
	profile.Partial = partial
	return profile, nil
}

// measureOne executes fn once on item, timing encode-in, compute, and
// encode-out, and recovering from panics so they surface as
// ErrUserFunctionFailed rather than crashing the caller's process.
func measureOne[In, Out any](fn Func[In, Out], item In, inCodec Codec[In], outCodec Codec[Out]) (m SampleMeasurement, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if inCodec != nil {
		start := time.Now()
		_, encErr := inCodec.Encode(item)
		m.EncodeInTime = time.Since(start)
		if encErr != nil {
			m.OutputSize = math.Inf(1)
		}
	}

	start := time.Now()
	result, execErr := fn(item)
	m.ComputeTime = time.Since(start)
	if execErr != nil {
		return m, execErr
	}

	if outCodec != nil {
		start := time.Now()
		encoded, encErr := outCodec.Encode(result)
		m.EncodeOutTime = time.Since(start)
		if encErr != nil {
			m.OutputSize = math.Inf(1)
		} else {
			m.OutputSize = float64(len(encoded))
		}
	}

	return m, nil
}

// aggregate computes the WorkloadProfile's statistics using compensated
// (Neumaier) summation, per spec.md §9, and applies the trimmed-mean outlier
// rejection of step 3 (drop largest/smallest compute time when k >= 20).
func aggregate(samples []SampleMeasurement) WorkloadProfile {
	computeTimes := make([]float64, len(samples))
	for i, s := range samples {
		computeTimes[i] = float64(s.ComputeTime)
	}

	trimmed := trimOutliers(computeTimes)

	meanCompute := compensatedMean(trimmed)
	heterogeneity := 0.0
	if meanCompute > 0 {
		stddev := compensatedStdDev(trimmed, meanCompute)
		heterogeneity = stddev / meanCompute
	}

	encIn := make([]float64, len(samples))
	encOut := make([]float64, len(samples))
	outSizes := make([]float64, 0, len(samples))
	for i, s := range samples {
		encIn[i] = float64(s.EncodeInTime)
		encOut[i] = float64(s.EncodeOutTime)
		if !math.IsInf(s.OutputSize, 1) {
			outSizes = append(outSizes, s.OutputSize)
		}
	}

	outputEstimate := compensatedMean(outSizes)
	if len(outSizes) < len(samples) {
		// At least one sample failed to encode: force the pessimistic
		// estimate per spec.md §6.
		outputEstimate = math.Inf(1)
	}

	return WorkloadProfile{
		SampleCount:        len(samples),
		MeanComputeTime:    time.Duration(meanCompute),
		MeanEncodeInTime:   time.Duration(compensatedMean(encIn)),
		MeanEncodeOutTime:  time.Duration(compensatedMean(encOut)),
		OutputSizeEstimate: outputEstimate,
		Heterogeneity:      heterogeneity,
		Heterogeneous:      heterogeneity > HeterogeneityThreshold,
	}
}

// trimOutliers drops the single largest and smallest value when there are
// at least 20 values, per spec.md §4.3 step 3.
func trimOutliers(values []float64) []float64 {
	if len(values) < 20 {
		return values
	}
	minIdx, maxIdx := 0, 0
	for i, v := range values {
		if v < values[minIdx] {
			minIdx = i
		}
		if v > values[maxIdx] {
			maxIdx = i
		}
	}
	out := make([]float64, 0, len(values)-2)
	for i, v := range values {
		if i == minIdx || i == maxIdx {
			continue
		}
		out = append(out, v)
	}
	return out
}

// compensatedMean computes the arithmetic mean using Neumaier compensated
// summation, which keeps precision when summing many values whose
// magnitudes vary widely (e.g. microsecond compute times summed over tens
// of samples) — a correctness concern called out explicitly in spec.md §9,
// not an optimization.
func compensatedMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return compensatedSum(values) / float64(len(values))
}

// compensatedSum implements Neumaier's improved Kahan summation.
func compensatedSum(values []float64) float64 {
	var sum, c float64
	for _, v := range values {
		t := sum + v
		if math.Abs(sum) >= math.Abs(v) {
			c += (sum - t) + v
		} else {
			c += (v - t) + sum
		}
		sum = t
	}
	return sum + c
}

// compensatedStdDev computes the (population) standard deviation around a
// known mean, again using compensated summation for the sum of squared
// deviations.
func compensatedStdDev(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sq := make([]float64, len(values))
	for i, v := range values {
		d := v - mean
		sq[i] = d * d
	}
	variance := compensatedSum(sq) / float64(len(values))
	return math.Sqrt(variance)
}
