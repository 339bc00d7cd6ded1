// Package amorsize is an adaptive parallelism advisor: given a work
// function and a workload, it profiles a small sample, models the cost of
// running it serially versus in parallel, and recommends a worker count,
// chunk size, and executor strategy — caching the recommendation so repeat
// calls against a workload of the same shape skip re-profiling.
//
// This is the public facade over the internal pipeline
// (fingerprint -> cache lookup -> profiler -> costmodel -> decision),
// grounded on internal/provider/provider.go's small-capability-interface
// style. The work function is exposed as a generic function type,
// Worker[In, Out], paired with a generic Codec interface.
package amorsize

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/luckyjian/amorsize/internal/config"
	"github.com/luckyjian/amorsize/internal/coordinator"
	"github.com/luckyjian/amorsize/internal/decision"
	"github.com/luckyjian/amorsize/internal/diagnostics"
	"github.com/luckyjian/amorsize/internal/fingerprint"
	"github.com/luckyjian/amorsize/internal/hostcap"
	"github.com/luckyjian/amorsize/internal/localcache"
	"github.com/luckyjian/amorsize/internal/profiler"
	"github.com/luckyjian/amorsize/internal/sharedcache"
)

// Worker is a reference to user code: one input item in, one output item
// out, spec.md §3's WorkFunction. Generic so the same advisor serves any
// (In, Out) pair.
type Worker[In, Out any] func(In) (Out, error)

// Codec estimates serialized byte size and pays the encode cost being
// measured during profiling, spec.md §6's "encode(value) -> bytes".
type Codec[T any] interface {
	Encode(T) ([]byte, error)
}

// Describable is the caller-supplied identity capability, spec.md §6:
// "the core extracts its identity via a Describe capability the caller's
// ecosystem implements". ContentDigest may be empty; identity then degrades
// to QualifiedName alone (fingerprint stability decreases but correctness
// is preserved).
type Describable interface {
	Describe() FunctionIdentity
}

// FunctionIdentity is the return value of Describable.Describe.
type FunctionIdentity struct {
	QualifiedName string
	ContentDigest string
}

// Options mirrors spec.md §4.8's Opts.
type Options struct {
	// UseCache is true in DefaultOptions; false disables both cache tiers
	// (reads and writes) for this call.
	UseCache bool
	// ForceRefresh skips cache reads but still writes results afterward.
	ForceRefresh bool
	// TTLOverride replaces the configured default TTL for entries written
	// by this call, if positive.
	TTLOverride time.Duration
	// MaxSamples bounds the profiler's sample count; 0 uses the profiler's
	// default.
	MaxSamples int
	// ProfileTimeoutMS bounds the profiler's wall-clock budget in
	// milliseconds; 0 uses the profiler's default.
	ProfileTimeoutMS int64
}

// DefaultOptions returns the spec-mandated defaults: use_cache=true,
// force_refresh=false, everything else left to internal defaults.
func DefaultOptions() Options {
	return Options{UseCache: true}
}

// Decision is the recommendation surfaced to the caller, spec.md §3.
type Decision = decision.Decision

// Advisor is a configured instance of the adaptive parallelism advisor. It
// owns the two cache tiers and the host probe; callers typically construct
// one Advisor per process and reuse it across calls (the teacher's own
// provider/registry/client handles are likewise constructed once and
// shared).
type Advisor struct {
	coord *coordinator.Coordinator
	log   zerolog.Logger
}

// AdvisorOption configures New.
type AdvisorOption func(*advisorConfig)

type advisorConfig struct {
	configFile   string
	hostKind     hostcap.Kind
	logWriter    *os.File
	sharedClient *sharedcache.Client
}

// WithConfigFile points New at an optional YAML config file (spec.md §6's
// environment section; AMORSIZE_* env vars always take precedence over
// file values via viper's normal override order).
func WithConfigFile(path string) AdvisorOption {
	return func(c *advisorConfig) { c.configFile = path }
}

// WithHostKind selects how HostCapabilities are probed; defaults to
// cgroup-aware probing so containerized callers get accurate limits.
func WithHostKind(kind hostcap.Kind) AdvisorOption {
	return func(c *advisorConfig) { c.hostKind = kind }
}

// New constructs an Advisor, loading configuration from the environment
// (and an optional file) and wiring the local cache plus, if
// AMORSIZE_SHARED_CACHE_URL is set, the shared cache tier.
func New(opts ...AdvisorOption) (*Advisor, error) {
	cfg := &advisorConfig{hostKind: hostcap.KindCgroupAware}
	for _, o := range opts {
		o(cfg)
	}

	loaded, err := config.Load(cfg.configFile)
	if err != nil {
		return nil, fmt.Errorf("amorsize: load config: %w", err)
	}

	log := diagnostics.New(os.Stderr)

	local, err := localcache.New(loaded.Cache.Dir, log)
	if err != nil {
		return nil, fmt.Errorf("amorsize: init local cache: %w", err)
	}

	var shared *sharedcache.Client
	if loaded.Shared.URL != "" {
		shared = sharedcache.New(loaded.Shared.URL, config.DefaultSharedCacheKeyPrefix, log)
	}

	hc, err := hostcap.New(cfg.hostKind)
	if err != nil {
		return nil, fmt.Errorf("amorsize: init host capabilities: %w", err)
	}
	probe := func() hostcap.Snapshot { return hostcap.Capture(hc) }

	defaultTTL := time.Duration(loaded.Cache.DefaultTTLSeconds) * time.Second
	coord := coordinator.New(local, shared, probe, log, defaultTTL)

	return &Advisor{coord: coord, log: log}, nil
}

// Optimize implements spec.md §4.8's `optimize(func, data, opts) -> Decision`.
// identity supplies the work function's fingerprinting identity (see
// Describable); items is the workload; inCodec/outCodec measure
// serialization cost during profiling.
func Optimize[In, Out any](ctx context.Context, a *Advisor, identity Describable, worker Worker[In, Out], items []In, inCodec Codec[In], outCodec Codec[Out]) (Decision, error) {
	return OptimizeWithOptions[In, Out](ctx, a, identity, worker, items, inCodec, outCodec, DefaultOptions())
}

// OptimizeWithOptions is Optimize with explicit Options control.
func OptimizeWithOptions[In, Out any](ctx context.Context, a *Advisor, identity Describable, worker Worker[In, Out], items []In, inCodec Codec[In], outCodec Codec[Out], opts Options) (Decision, error) {
	fi := identity.Describe()
	fpIdentity := fingerprint.Identity{QualifiedName: fi.QualifiedName, ContentDigest: fi.ContentDigest}

	itemMagnitude := sampleItemMagnitude(items, inCodec)

	sample := func(ctx context.Context, profileOpts profiler.Options) (profiler.WorkloadProfile, error) {
		return profiler.Profile[In, Out](ctx, profiler.Func[In, Out](worker), items, profilerCodec[In]{inCodec}, profilerCodec[Out]{outCodec}, profileOpts)
	}

	coordOpts := coordinator.Options{
		UseCache:       opts.UseCache,
		ForceRefresh:   opts.ForceRefresh,
		TTLOverride:    opts.TTLOverride,
		MaxSamples:     opts.MaxSamples,
		ProfileTimeout: time.Duration(opts.ProfileTimeoutMS) * time.Millisecond,
	}

	result, err := a.coord.Optimize(ctx, fpIdentity, len(items), itemMagnitude, coordOpts, sample)
	if err != nil {
		return Decision{}, err
	}
	// result.Decision.CacheTier already carries result.Tier's provenance
	// ("shared", "local", "fresh"), set by the coordinator before it
	// returned; nothing further to thread through here.
	return result.Decision, nil
}

// profilerCodec adapts the public Codec[T] interface to profiler.Codec[T];
// the two are structurally identical but kept as distinct types so the
// profiler package doesn't depend on the public facade.
type profilerCodec[T any] struct {
	codec Codec[T]
}

func (p profilerCodec[T]) Encode(v T) ([]byte, error) {
	if p.codec == nil {
		return nil, nil
	}
	return p.codec.Encode(v)
}

// sampleItemMagnitude estimates the typical serialized byte length of one
// item from the first item available, per spec.md §3's "item magnitude"
// definition. A nil codec or empty workload falls back to 0 (tiny bucket).
func sampleItemMagnitude[In any](items []In, codec Codec[In]) int {
	if codec == nil || len(items) == 0 {
		return 0
	}
	encoded, err := codec.Encode(items[0])
	if err != nil {
		return 0
	}
	return len(encoded)
}
