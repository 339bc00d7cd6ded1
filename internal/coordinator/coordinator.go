// Package coordinator implements the optimize state machine from
// spec.md §4.8: the façade that strings fingerprinting, the two cache
// tiers, profiling, cost modeling, and decision-making into one call, with
// in-process keyed single-flight deduplication for concurrent calls that
// share a fingerprint. It is grounded on internal/cli/root.go's
// buildRootCmd for the "construct with injected collaborators, no package
// globals" shape, and internal/inspect/lock.go's acquire/check/release
// shape for the single-flight primitive (translated from a cross-process
// file lock to an in-process map+mutex, since spec.md §5 only requires
// single-flight within one process).
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/luckyjian/amorsize/internal/cacheentry"
	"github.com/luckyjian/amorsize/internal/decision"
	"github.com/luckyjian/amorsize/internal/fingerprint"
	"github.com/luckyjian/amorsize/internal/hostcap"
	"github.com/luckyjian/amorsize/internal/localcache"
	"github.com/luckyjian/amorsize/internal/profiler"
	"github.com/luckyjian/amorsize/internal/sharedcache"
)

// CacheTier records where a Decision came from, surfaced in Result for
// provenance (spec.md §7's CacheBackendUnavailable policy: "set
// cache_tier='local' in Decision provenance").
type CacheTier string

const (
	TierShared CacheTier = "shared"
	TierLocal  CacheTier = "local"
	TierFresh  CacheTier = "fresh"
)

// Options mirrors spec.md §4.8's Opts. Defaulting (use_cache defaults true)
// is the public facade's responsibility; Coordinator takes every field as
// given.
type Options struct {
	UseCache       bool
	ForceRefresh   bool
	TTLOverride    time.Duration
	MaxSamples     int
	ProfileTimeout time.Duration
}

// Result is a Decision plus the provenance of where it came from.
type Result struct {
	Decision decision.Decision
	Tier     CacheTier
}

// HostProbe supplies a fresh HostCapabilities snapshot; callers typically
// pass hostcap.Capture bound to a concrete HostCapabilities instance.
type HostProbe func() hostcap.Snapshot

// Coordinator wires the pipeline's collaborators together. All fields are
// injected at construction — there are no package-level singletons,
// matching the teacher's buildRootCmd dependency-injection style.
type Coordinator struct {
	Local  *localcache.Cache
	Shared *sharedcache.Client // nil disables the shared tier
	Host   HostProbe
	Log    zerolog.Logger

	DefaultTTL time.Duration

	mu       sync.Mutex
	inflight map[string]*call
}

// call is one in-flight profile-and-decide operation; late callers with the
// same fingerprint await its result instead of re-profiling.
type call struct {
	done   chan struct{}
	result Result
	err    error
}

// New constructs a Coordinator from its collaborators.
func New(local *localcache.Cache, shared *sharedcache.Client, host HostProbe, log zerolog.Logger, defaultTTL time.Duration) *Coordinator {
	if defaultTTL <= 0 {
		defaultTTL = localcache.DefaultTTL
	}
	return &Coordinator{
		Local:      local,
		Shared:     shared,
		Host:       host,
		Log:        log,
		DefaultTTL: defaultTTL,
		inflight:   make(map[string]*call),
	}
}

// Optimize implements spec.md §4.8's state machine for a single workload.
// identity describes the work function; workloadSize and itemMagnitude
// describe the workload's shape for fingerprinting; sample is a
// bounded-cost function that actually runs the profiler (the generic
// Optimize entry point in the public facade closes over the user's
// Worker/Codec and calls down into this).
func (c *Coordinator) Optimize(ctx context.Context, identity fingerprint.Identity, workloadSize, itemMagnitude int, opts Options, sample func(context.Context, profiler.Options) (profiler.WorkloadProfile, error)) (Result, error) {
	fp := fingerprint.Compute(identity, workloadSize, itemMagnitude)
	fpHex := fingerprint.Hex(fp)

	host := c.Host()

	var carriedAdvisories []string
	if opts.UseCache && !opts.ForceRefresh {
		if c.Shared != nil {
			if c.Shared.Available(ctx) {
				if d, ok, advisory := c.Shared.Load(ctx, fpHex, host); ok {
					if advisory != "" {
						d.Advisories = append(d.Advisories, advisory)
					}
					d.CacheTier = string(TierShared)
					return Result{Decision: d, Tier: TierShared}, nil
				} else if advisory != "" {
					carriedAdvisories = append(carriedAdvisories, advisory)
				}
			} else {
				carriedAdvisories = append(carriedAdvisories, "shared cache unavailable, falling back to local cache")
			}
		}
		if c.Local != nil {
			if d, ok, _ := c.Local.Load(fpHex, host); ok {
				d.Advisories = append(d.Advisories, carriedAdvisories...)
				if c.Shared != nil && c.Shared.Available(ctx) {
					if advisory := c.Shared.Save(ctx, fpHex, d, host, c.ttl(opts)); advisory != "" {
						d.Advisories = append(d.Advisories, advisory)
					}
				}
				d.CacheTier = string(TierLocal)
				return Result{Decision: d, Tier: TierLocal}, nil
			}
		}
	}

	return c.singleFlight(fpHex, func() (Result, error) {
		return c.produce(ctx, fpHex, workloadSize, host, opts, sample, carriedAdvisories)
	})
}

// produce runs the uncached path: profile, cost-model, decide, and persist
// to both cache tiers (spec.md §4.8's "Profile -> CostModel -> DecisionEngine"
// box, plus the always-write-local/maybe-write-shared tail). priorAdvisories
// carries any shared-cache degradation observed before the cache-miss path
// fell through to profiling, so it still reaches the caller's Decision.
func (c *Coordinator) produce(ctx context.Context, fpHex string, workloadSize int, host hostcap.Snapshot, opts Options, sample func(context.Context, profiler.Options) (profiler.WorkloadProfile, error), priorAdvisories []string) (Result, error) {
	profileOpts := profiler.Options{MaxSamples: opts.MaxSamples, Timeout: opts.ProfileTimeout}

	profile, err := sample(ctx, profileOpts)
	if err != nil {
		return Result{}, err
	}

	d := decision.Decide(profile, host, workloadSize)
	d.Advisories = append(d.Advisories, priorAdvisories...)

	ttl := c.ttl(opts)
	if c.Local != nil && opts.UseCache {
		if err := c.Local.Save(fpHex, d, host, ttl); err != nil {
			c.Log.Warn().Err(err).Str("fingerprint", fpHex).Msg("coordinator: local cache write failed")
		}
	}
	if c.Shared != nil && opts.UseCache {
		if c.Shared.Available(ctx) {
			if advisory := c.Shared.Save(ctx, fpHex, d, host, ttl); advisory != "" {
				d.Advisories = append(d.Advisories, advisory)
			}
		} else {
			d.Advisories = append(d.Advisories, "shared cache unavailable, decision persisted to local cache only")
		}
	}

	d.CacheTier = string(TierFresh)
	return Result{Decision: d, Tier: TierFresh}, nil
}

func (c *Coordinator) ttl(opts Options) time.Duration {
	if opts.TTLOverride > 0 {
		return opts.TTLOverride
	}
	return c.DefaultTTL
}

// singleFlight ensures only the first caller for a given key actually runs
// fn; concurrent callers with the same key block on its result
// (spec.md §4.8's "at-most-one-concurrent-profile").
func (c *Coordinator) singleFlight(key string, fn func() (Result, error)) (Result, error) {
	c.mu.Lock()
	if existing, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		<-existing.done
		return existing.result, existing.err
	}

	cl := &call{done: make(chan struct{})}
	c.inflight[key] = cl
	c.mu.Unlock()

	cl.result, cl.err = fn()
	close(cl.done)

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()

	return cl.result, cl.err
}

// CacheEntrySchemaVersion re-exports the current schema version for callers
// that need to reason about cache compatibility without importing
// internal/cacheentry directly.
const CacheEntrySchemaVersion = cacheentry.SchemaVersion
