package localcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/luckyjian/amorsize/internal/costmodel"
	"github.com/luckyjian/amorsize/internal/decision"
	"github.com/luckyjian/amorsize/internal/hostcap"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := New(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func sampleDecision() decision.Decision {
	return decision.Decision{
		ExecutorKind:     costmodel.ExecutorProcessPool,
		WorkerCount:      4,
		ChunkSize:        100,
		EstimatedSpeedup: 2.5,
		Reason:           "parallelizing across worker processes",
	}
}

func sampleHost() hostcap.Snapshot {
	return hostcap.Snapshot{PhysicalCores: 8, AvailableMemoryBytes: 4 << 30, SpawnModel: hostcap.ProcessSpawn}
}

func TestCache_SaveThenLoad_Hit(t *testing.T) {
	c := newTestCache(t)
	host := sampleHost()

	if err := c.Save("fp1", sampleDecision(), host, time.Hour); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, ok, reason := c.Load("fp1", host)
	if !ok {
		t.Fatalf("expected a hit, got miss reason %q", reason)
	}
	if got.WorkerCount != 4 || got.ChunkSize != 100 {
		t.Errorf("unexpected decision: %+v", got)
	}
}

func TestCache_Load_NotFound(t *testing.T) {
	c := newTestCache(t)
	_, ok, reason := c.Load("missing", sampleHost())
	if ok || reason != MissNotFound {
		t.Fatalf("expected MissNotFound, got ok=%v reason=%q", ok, reason)
	}
}

func TestCache_Load_Expired(t *testing.T) {
	c := newTestCache(t)
	past := time.Now().Add(-48 * time.Hour)
	c.nowFn = func() time.Time { return past }
	if err := c.Save("fp-expired", sampleDecision(), sampleHost(), time.Hour); err != nil {
		t.Fatalf("Save: %v", err)
	}

	c.nowFn = time.Now
	_, ok, reason := c.Load("fp-expired", sampleHost())
	if ok || reason != MissExpired {
		t.Fatalf("expected MissExpired, got ok=%v reason=%q", ok, reason)
	}

	if _, err := os.Stat(c.path("fp-expired")); !os.IsNotExist(err) {
		t.Error("expected expired entry file to be unlinked")
	}
}

func TestCache_Load_IncompatibleHost(t *testing.T) {
	c := newTestCache(t)
	written := hostcap.Snapshot{PhysicalCores: 8, AvailableMemoryBytes: 4 << 30, SpawnModel: hostcap.ProcessSpawn}
	if err := c.Save("fp-incompat", sampleDecision(), written, time.Hour); err != nil {
		t.Fatalf("Save: %v", err)
	}

	current := hostcap.Snapshot{PhysicalCores: 8, AvailableMemoryBytes: 4 << 30, SpawnModel: hostcap.ForkedSpawn}
	_, ok, reason := c.Load("fp-incompat", current)
	if ok || reason != MissIncompatible {
		t.Fatalf("expected MissIncompatible, got ok=%v reason=%q", ok, reason)
	}
}

func TestCache_Load_CorruptFileIsUnlinked(t *testing.T) {
	c := newTestCache(t)
	path := c.path("fp-corrupt")
	if err := os.WriteFile(path, []byte("not a valid entry"), 0o600); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	_, ok, reason := c.Load("fp-corrupt", sampleHost())
	if ok || reason != MissCorrupt {
		t.Fatalf("expected MissCorrupt, got ok=%v reason=%q", ok, reason)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected corrupt entry file to be unlinked")
	}
}

func TestCache_Save_DefaultsTTLWhenZero(t *testing.T) {
	c := newTestCache(t)
	if err := c.Save("fp-default-ttl", sampleDecision(), sampleHost(), 0); err != nil {
		t.Fatalf("Save: %v", err)
	}
	_, ok, _ := c.Load("fp-default-ttl", sampleHost())
	if !ok {
		t.Fatal("expected a hit with the default TTL applied")
	}
}

func TestCache_Clear_RemovesMatchingEntries(t *testing.T) {
	c := newTestCache(t)
	host := sampleHost()
	for _, fp := range []string{"aa", "ab", "bb"} {
		if err := c.Save(fp, sampleDecision(), host, time.Hour); err != nil {
			t.Fatalf("Save(%s): %v", fp, err)
		}
	}

	if err := c.Clear(""); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty cache dir after Clear, found %d entries", len(entries))
	}
}

func TestCache_Save_WritesAtomically(t *testing.T) {
	c := newTestCache(t)
	if err := c.Save("fp-atomic", sampleDecision(), sampleHost(), time.Hour); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("leftover temp file after Save: %s", e.Name())
		}
	}
}
