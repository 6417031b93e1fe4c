package index

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type Meta struct {
	Name       string
	Size       int64
	ModifyTime time.Time
	IsDir      bool
}

func (f Meta) String() string {
	return fmt.Sprintf("file meta :: name: %s, dir: %t, size: %d, modified_at: %v", f.Name, f.IsDir, f.Size, f.ModifyTime.String())
}

// Index keeps the metadata of everything below its roots, keyed by absolute
// path. It is fed by a watch session through the Listener methods.
type Index struct {
	// meta
	// inorder to answer size and modification time of a changed path
	// without another stat we keep one entry per known path.
	meta   map[string]Meta
	rwM    sync.RWMutex
	roots  []string
	logger *log.Logger
}

func NewIndex(logger *log.Logger, roots ...string) (*Index, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	h := Index{
		meta:   make(map[string]Meta),
		logger: logger,
	}

	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, err
		}
		h.roots = append(h.roots, filepath.Clean(abs))
	}

	h.rwM.Lock()
	defer h.rwM.Unlock()
	for _, root := range h.roots {
		h.logger.Printf("index :: scan root %s\n", root)
		if err := h.readDir(root); err != nil {
			return nil, err
		}
	}

	return &h, nil
}

// Rescan rebuilds every entry from disk, dropping paths whose delete was never
// seen. Listener calls wait for it and then apply on top of the fresh entries.
// A root that can no longer be read loses its entries and is reported.
func (h *Index) Rescan() error {
	h.rwM.Lock()
	defer h.rwM.Unlock()

	before := len(h.meta)
	h.meta = make(map[string]Meta, before)

	var errs []error
	for _, root := range h.roots {
		if err := h.readDir(root); err != nil {
			h.logger.Printf("index :: rescan root %s %v\n", root, err)
			errs = append(errs, err)
		}
	}

	h.logger.Printf("index :: rescanned, %d entries (was %d)\n", len(h.meta), before)
	return errors.Join(errs...)
}

func (h *Index) readDir(path string) error {
	files, err := os.ReadDir(path)
	if err != nil {
		return err
	}

	for _, f := range files {
		name := filepath.Join(path, f.Name())
		if Ignored(name) {
			continue
		}

		info, err := f.Info()
		if err != nil {
			// removed between listing and stat
			continue
		}
		h.meta[name] = metaOf(name, info)

		if info.IsDir() {
			if err := h.readDir(name); err != nil {
				h.logger.Printf("index :: skip %s %v\n", name, err)
			}
		}
	}

	return nil
}

func metaOf(name string, info os.FileInfo) Meta {
	return Meta{
		Name:       name,
		Size:       info.Size(),
		ModifyTime: info.ModTime(),
		IsDir:      info.IsDir(),
	}
}

// Get returns the metadata of path, which may be absolute or relative to the
// first root.
func (h *Index) Get(path string) (Meta, bool) {
	h.rwM.RLock()
	defer h.rwM.RUnlock()

	if !filepath.IsAbs(path) && len(h.roots) > 0 {
		path = filepath.Join(h.roots[0], path)
	}
	m, ok := h.meta[filepath.Clean(path)]
	return m, ok
}

func (h *Index) Len() int {
	h.rwM.RLock()
	defer h.rwM.RUnlock()
	return len(h.meta)
}

// List returns every entry sorted by name.
func (h *Index) List() []Meta {
	h.rwM.RLock()
	out := make([]Meta, 0, len(h.meta))
	for _, m := range h.meta {
		out = append(out, m)
	}
	h.rwM.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (h *Index) Created(path string, isDir bool) error {
	return h.update(path)
}

func (h *Index) Modified(path string, isDir bool) error {
	return h.update(path)
}

func (h *Index) Deleted(path string, isDir bool) error {
	h.rwM.Lock()
	defer h.rwM.Unlock()

	if old, ok := h.meta[path]; ok {
		h.logger.Printf("index :: remove meta --> %s\n", old)
	}
	delete(h.meta, path)

	// a directory takes its subtree with it; a file path has no children
	prefix := path + string(filepath.Separator)
	for name := range h.meta {
		if strings.HasPrefix(name, prefix) {
			delete(h.meta, name)
		}
	}
	return nil
}

func (h *Index) update(path string) error {
	if Ignored(path) {
		return nil
	}

	info, err := os.Lstat(path)
	if err != nil {
		// gone again before we got here, the delete follows
		h.logger.Printf("index :: got error %v, on path %s\n", err, path)
		return nil
	}

	h.rwM.Lock()
	defer h.rwM.Unlock()

	meta := metaOf(path, info)
	if old, contains := h.meta[path]; contains {
		h.logger.Printf("index :: modification on meta --> %s\n", old)
	} else {
		h.logger.Printf("index :: new meta --> %s\n", meta)
	}
	h.meta[path] = meta
	return nil
}

// Ignored reports editor scratch files that are not worth indexing.
func Ignored(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, ".swp") ||
		strings.HasSuffix(name, ".swx") ||
		strings.Contains(name, ".goutputstream") ||
		strings.HasSuffix(name, "~")
}
