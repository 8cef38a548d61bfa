package extract

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/meigma/nexus"
)

// CoreDataName is the shared block store that patch directories carry.
const CoreDataName = "CoreData.archive"

// DataTargets opens every index in patchDir that has a block store of its own
// and targets it at outDir, which defaults to patchDir/../Data.
// CoreData.archive, when present, is shared by all of them as the core store.
//
// The returned function closes every opened archive and the core store.
func DataTargets(patchDir, outDir string, opts ...nexus.Option) ([]Target, func() error, error) {
	if outDir == "" {
		outDir = filepath.Join(patchDir, "..", "Data")
	}

	var core *nexus.BlockStore
	corePath := filepath.Join(patchDir, CoreDataName)
	if _, err := os.Stat(corePath); err == nil {
		core, err = nexus.OpenBlockStore(corePath, opts...)
		if err != nil {
			return nil, nil, err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("stat %s: %w", corePath, err)
	}

	indexes, err := filepath.Glob(filepath.Join(patchDir, "*.index"))
	if err != nil {
		return nil, nil, err
	}
	slices.Sort(indexes)

	var archives []*nexus.Archive
	closeAll := func() error {
		var errs []error
		for _, a := range archives {
			errs = append(errs, a.Close())
		}
		if core != nil {
			errs = append(errs, core.Close())
		}
		return errors.Join(errs...)
	}

	targets := make([]Target, 0, len(indexes))
	for _, path := range indexes {
		a, err := nexus.OpenArchive(path, core, opts...)
		if err != nil {
			_ = closeAll() //nolint:errcheck // the open error is the one worth reporting
			return nil, nil, err
		}
		if !a.HasPrimary() {
			_ = a.Close() //nolint:errcheck // read-only
			continue
		}
		archives = append(archives, a)
		targets = append(targets, Target{Archive: a, OutDir: outDir})
	}
	return targets, closeAll, nil
}
