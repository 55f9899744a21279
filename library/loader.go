package library

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gretalang/greta/vm"
)

// DocSuffix is the extension of feature documents in the library
// directory.
const DocSuffix = ".feature.yaml"

// remoteFetchTimeout bounds one registry round trip.
const remoteFetchTimeout = 30 * time.Second

// ---------------------------------------------------------------------------
// Loader
// ---------------------------------------------------------------------------

// Loader resolves feature ids to documents and applies them to a world.
// Documents come from the library directory first, then the store cache,
// then the remote registry; registry fetches fill the cache. Loader
// implements the world's deferred-load executor interface.
type Loader struct {
	w      *vm.World
	dir    string
	store  *Store  // nil: no cache, no load records
	remote *Remote // nil: no registry

	mu      sync.Mutex
	loading map[string]bool
}

// NewLoader creates a loader over the library directory. store and
// remote may be nil.
func NewLoader(w *vm.World, dir string, store *Store, remote *Remote) *Loader {
	return &Loader{
		w:       w,
		dir:     dir,
		store:   store,
		remote:  remote,
		loading: make(map[string]bool),
	}
}

// Provided reports whether feature needs no load: a previous session
// loaded it successfully, or it is loading on this loader right now.
func (l *Loader) Provided(feature string) bool {
	l.mu.Lock()
	inFlight := l.loading[feature]
	l.mu.Unlock()
	if inFlight {
		return true
	}
	if l.store != nil {
		if ok, err := l.store.Loaded(feature); err == nil && ok {
			return true
		}
	}
	return false
}

// Load fetches, resolves, and applies a feature. It reports false
// without error when the feature turned out to be provided already.
// Requirements load depth-first under the same session id; a feature
// currently loading satisfies its own dependents.
func (l *Loader) Load(task *vm.Task, feature string) (bool, error) {
	return l.load(task, feature, uuid.NewString())
}

func (l *Loader) load(task *vm.Task, feature, session string) (bool, error) {
	if err := CheckFeatureID(feature); err != nil {
		return false, err
	}
	if l.Provided(feature) {
		return false, nil
	}

	data, err := l.fetch(feature)
	if err != nil {
		l.recordOutcome(feature, session, false)
		return false, err
	}
	doc, err := ParseDocument(data)
	if err != nil {
		l.recordOutcome(feature, session, false)
		return false, err
	}
	if doc.Feature != feature {
		l.recordOutcome(feature, session, false)
		return false, fmt.Errorf("library: document for %s declares feature %s", feature, doc.Feature)
	}

	l.mu.Lock()
	l.loading[feature] = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.loading, feature)
		l.mu.Unlock()
	}()

	for _, req := range doc.Requires {
		if _, err := l.load(task, req, session); err != nil {
			l.recordOutcome(feature, session, false)
			return false, fmt.Errorf("library: %s requires %s: %w", feature, req, err)
		}
	}

	if err := doc.Apply(task, l.w); err != nil {
		l.recordOutcome(feature, session, false)
		return false, err
	}

	l.recordOutcome(feature, session, true)
	return true, nil
}

// fetch resolves a feature id to document bytes. A local document wins
// over the cache so a working copy shadows stale fetches.
func (l *Loader) fetch(feature string) ([]byte, error) {
	path := filepath.Join(l.dir, filepath.FromSlash(feature)+DocSuffix)
	if data, err := os.ReadFile(path); err == nil {
		return data, nil
	}

	if l.store != nil {
		data, ok, err := l.store.GetDocument(feature)
		if err != nil {
			return nil, err
		}
		if ok {
			return data, nil
		}
	}

	if l.remote != nil {
		ctx, cancel := context.WithTimeout(context.Background(), remoteFetchTimeout)
		defer cancel()
		data, err := l.remote.GetFeature(ctx, feature)
		if err != nil {
			return nil, err
		}
		if l.store != nil {
			// A failed cache fill does not fail the load.
			_ = l.store.PutDocument(feature, data)
		}
		return data, nil
	}

	return nil, fmt.Errorf("library: no source for feature %s", feature)
}

func (l *Loader) recordOutcome(feature, session string, ok bool) {
	if l.store == nil {
		return
	}
	// Bookkeeping only; the load outcome stands either way.
	_ = l.store.RecordLoad(feature, session, ok)
}

// ---------------------------------------------------------------------------
// Directory scan
// ---------------------------------------------------------------------------

// ListLocal returns the feature ids of every document under dir,
// sorted by the walk order of the directory tree.
func ListLocal(dir string) ([]string, error) {
	var features []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, DocSuffix) {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		features = append(features, strings.TrimSuffix(filepath.ToSlash(rel), DocSuffix))
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("library: scanning %s: %w", dir, err)
	}
	return features, nil
}
