package decoder

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gobwas/glob"
	"github.com/hashicorp/go-multierror"

	"github.com/clltk/tracekit/catalog"
	"github.com/clltk/tracekit/internal/osapi"
	"github.com/clltk/tracekit/tracebuffer"
)

// Discover lists the tracebuffer files directly inside dir that match
// pattern, a gobwas/glob pattern. An empty pattern defaults to every
// user-space trace file ("*.clltk_trace").
func Discover(dir, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*." + tracebuffer.UserExt
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("decoder: compile glob %q: %w", pattern, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("decoder: read dir %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if g.Match(e.Name()) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return paths, nil
}

// OpenAll opens every path, aggregating per-file failures with
// hashicorp/go-multierror rather than letting one bad file fail the whole
// batch; the snapshots that did open are still returned alongside the error.
func OpenAll(paths []string, source catalog.Source, adapter osapi.Adapter) ([]*Snapshot, error) {
	var snapshots []*Snapshot
	var errs error
	for _, p := range paths {
		s, err := Open(p, source, adapter)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, errs
}
