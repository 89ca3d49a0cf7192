package watcher_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hjanuschka/go-projections/internal/engine/gojaengine"
	"github.com/hjanuschka/go-projections/internal/metrics"
	"github.com/hjanuschka/go-projections/internal/projection"
	"github.com/hjanuschka/go-projections/internal/testutil"
	"github.com/hjanuschka/go-projections/internal/watcher"
)

const countAll = `fromAll().when({ $init: function () { return { n: 0 }; }, $any: function (s) { s.n++; return s; } });`

const countOrders = `fromCategory("order").when({ $init: function () { return { n: 0 }; }, $any: function (s) { s.n++; return s; } });`

const manifest = `projections:
  - name: all
    file: all.js
  - name: orders
    file: orders.ts
  - name: parked
    file: parked.js
    enabled: false
`

// recorder counts the calls a Watcher makes.
type recorder struct {
	mu      sync.Mutex
	created []string
	updated []string
	deleted []string
}

func (r *recorder) Create(_ context.Context, name, _, _ string) (*projection.Projection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, name)
	return nil, nil
}

func (r *recorder) Update(_ context.Context, name, _, _ string) (*projection.Projection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, name)
	return nil, nil
}

func (r *recorder) Delete(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, name)
	return nil
}

func TestSyncReconcilesManifest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	testutil.WriteFile(t, dir, "projections.yaml", manifest)
	testutil.WriteFile(t, dir, "all.js", countAll)
	testutil.WriteFile(t, dir, "orders.ts", countOrders)
	testutil.WriteFile(t, dir, "parked.js", countAll)

	rec := &recorder{}
	w := watcher.New(dir, rec)
	require.NoError(t, w.Sync(ctx))
	assert.ElementsMatch(t, []string{"all", "orders"}, rec.created, "disabled entries are skipped")
	assert.Equal(t, map[string]string{"all": "all.js", "orders": "orders.ts"}, w.Loaded())

	require.NoError(t, w.Sync(ctx))
	assert.Empty(t, rec.updated, "unchanged files are not reloaded")

	testutil.WriteFile(t, dir, "all.js", countAll+"\n// v2\n")
	require.NoError(t, w.SyncFile(ctx, "all.js"))
	assert.Equal(t, []string{"all"}, rec.updated)

	require.NoError(t, w.SyncFile(ctx, "unknown.js"))
	assert.Equal(t, []string{"all"}, rec.updated)

	testutil.WriteFile(t, dir, "projections.yaml", "projections:\n  - name: all\n    file: all.js\n")
	require.NoError(t, w.Sync(ctx))
	assert.Equal(t, []string{"orders"}, rec.deleted)

	require.NoError(t, os.Remove(filepath.Join(dir, "all.js")))
	require.NoError(t, w.SyncFile(ctx, "all.js"))
	assert.Equal(t, []string{"orders", "all"}, rec.deleted)
	assert.Empty(t, w.Loaded())
}

func TestSyncRejectsBadManifest(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteFile(t, dir, "projections.yaml", "projections:\n  - name: ../x\n    file: x.js\n")
	w := watcher.New(dir, &recorder{})
	assert.Error(t, w.Sync(context.Background()))
}

func TestSyncWithoutManifestLoadsNothing(t *testing.T) {
	rec := &recorder{}
	w := watcher.New(t.TempDir(), rec)
	require.NoError(t, w.Sync(context.Background()))
	assert.Empty(t, rec.created)
}

func newManager(t *testing.T) *projection.Manager {
	t.Helper()
	m, err := projection.NewManager(projection.Options{
		Engine:  &gojaengine.Engine{},
		Metrics: metrics.NewCollector(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestWatcherReloadsChangedQueries(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	testutil.WriteFile(t, dir, "projections.yaml", manifest)
	testutil.WriteFile(t, dir, "all.js", countAll)
	testutil.WriteFile(t, dir, "orders.ts", countOrders)

	m := newManager(t)
	w := watcher.New(dir, m)
	require.NoError(t, w.Sync(ctx))
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { w.Close() })

	p, err := m.Get("orders")
	require.NoError(t, err)
	assert.Equal(t, []string{"order"}, p.Sources().Categories)

	testutil.WriteFile(t, dir, "all.js", `fromStream("audit").whenAny(function (s) { return s; });`)
	assert.Eventually(t, func() bool {
		p, err := m.Get("all")
		return err == nil && len(p.Sources().Streams) == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, "orders.ts")))
	assert.Eventually(t, func() bool {
		_, err := m.Get("orders")
		return err != nil
	}, 5*time.Second, 20*time.Millisecond)

	testutil.WriteFile(t, dir, "projections.yaml", "projections:\n  - name: all\n    file: all.js\n    enabled: false\n")
	assert.Eventually(t, func() bool {
		return len(m.List()) == 0
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, w.Close())
}

func TestWatcherKeepsPreviousQueryOnBrokenEdit(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	testutil.WriteFile(t, dir, "projections.yaml", "projections:\n  - name: all\n    file: all.js\n")
	testutil.WriteFile(t, dir, "all.js", countAll)

	m := newManager(t)
	w := watcher.New(dir, m)
	require.NoError(t, w.Sync(ctx))

	testutil.WriteFile(t, dir, "all.js", `fromAll().when({`)
	assert.Error(t, w.SyncFile(ctx, "all.js"))

	p, err := m.Get("all")
	require.NoError(t, err)
	assert.True(t, p.Sources().AllEvents)

	testutil.WriteFile(t, dir, "all.js", countAll+"\n")
	require.NoError(t, w.SyncFile(ctx, "all.js"))
}
