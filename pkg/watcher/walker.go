package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
)

// errNotRunning is returned by a session's register func once Stop has begun;
// it aborts the walk instead of being recorded as a skipped directory.
var errNotRunning = errors.New("session is not running")

// WalkResult is the outcome of registering one subtree.
type WalkResult struct {
	Registrations []Registration
	// Skipped holds the recoverable per-directory failures; the walk went on
	// with the siblings of every directory listed here.
	Skipped []error
	// Found lists every entry below the root, in walk order. Only filled when
	// the walk was asked to collect.
	Found []Event
}

type treeWalker struct {
	recursive bool
	register  func(dir string) (Registration, error)
	logger    *log.Logger
}

// walk registers root and, in recursive mode, every directory below it, parents
// before children. Symbolic links are never followed. Failing to register the
// root itself is returned; failures further down are recorded in Skipped.
func (w treeWalker) walk(root string, collect bool) (WalkResult, error) {
	var res WalkResult

	info, err := os.Stat(root)
	if err != nil {
		return res, classify(root, err)
	}
	if !info.IsDir() {
		return res, fmt.Errorf("%s: %w", root, ErrNotDirectory)
	}

	reg, err := w.register(root)
	if err != nil {
		return res, err
	}
	res.Registrations = append(res.Registrations, reg)

	if !w.recursive {
		return res, nil
	}

	err = w.descend(root, &res, collect)
	return res, err
}

func (w treeWalker) descend(dir string, res *WalkResult, collect bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		// ReadDir still returns what it read before failing
		err = classify(dir, err)
		w.logger.Printf("walker :: skip unreadable directory %v\n", err)
		res.Skipped = append(res.Skipped, err)
	}

	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		isDir := e.IsDir() && e.Type()&fs.ModeSymlink == 0
		if collect {
			res.Found = append(res.Found, Event{Kind: Created, Path: path, IsDir: isDir})
		}
		if !isDir {
			continue
		}

		reg, err := w.register(path)
		if err != nil {
			if errors.Is(err, errNotRunning) {
				return err
			}
			w.logger.Printf("walker :: skip directory %v\n", err)
			res.Skipped = append(res.Skipped, err)
			continue
		}
		res.Registrations = append(res.Registrations, reg)

		if err := w.descend(path, res, collect); err != nil {
			return err
		}
	}
	return nil
}
