package decoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clltk/tracekit/internal/osapi"
	"github.com/clltk/tracekit/tracebuffer"
)

func TestDiscoverFindsUserTraceFiles(t *testing.T) {
	adapter := osapi.NewFake(1, 1)
	dir := t.TempDir()

	tb1, err := tracebuffer.Bind("disc_one", 4096, tracebuffer.WithDir(dir), tracebuffer.WithAdapter(adapter))
	require.NoError(t, err)
	require.NoError(t, tb1.Close())

	tb2, err := tracebuffer.Bind("disc_two", 4096, tracebuffer.WithDir(dir), tracebuffer.WithAdapter(adapter))
	require.NoError(t, err)
	require.NoError(t, tb2.Close())

	paths, err := Discover(dir, "")
	require.NoError(t, err)
	assert.Len(t, paths, 2)
}

func TestDiscoverRespectsPattern(t *testing.T) {
	adapter := osapi.NewFake(1, 1)
	dir := t.TempDir()

	tb, err := tracebuffer.Bind("disc_match", 4096, tracebuffer.WithDir(dir), tracebuffer.WithAdapter(adapter))
	require.NoError(t, err)
	require.NoError(t, tb.Close())

	paths, err := Discover(dir, "disc_m*."+tracebuffer.UserExt)
	require.NoError(t, err)
	require.Len(t, paths, 1)

	paths, err = Discover(dir, "nothing.*")
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestOpenAllAggregatesErrors(t *testing.T) {
	adapter := osapi.NewFake(1, 1)
	dir := t.TempDir()

	tb, err := tracebuffer.Bind("disc_ok", 4096, tracebuffer.WithDir(dir), tracebuffer.WithAdapter(adapter))
	require.NoError(t, err)
	require.NoError(t, tb.Close())

	snapshots, err := OpenAll([]string{tb.Path, dir + "/does-not-exist.clltk_trace"}, nil, osapi.Default)
	require.Error(t, err)
	require.Len(t, snapshots, 1)
	snapshots[0].Close()
}
