package memory

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// WatcherConfig configures a Watcher. Callbacks receive slash-separated
// paths relative to Root.
type WatcherConfig struct {
	Root     string
	Debounce time.Duration
	// OnChange runs once per path after Debounce of quiet.
	OnChange func(rel string)
	// OnRemove runs immediately for deleted or renamed-away paths, which may
	// be directories.
	OnRemove func(rel string)
	Logger   zerolog.Logger
}

type pendingSync struct {
	timer *time.Timer
	gen   uint64
}

// Watcher watches a directory tree and debounces changes per path.
type Watcher struct {
	root     string
	debounce time.Duration
	onChange func(rel string)
	onRemove func(rel string)
	logger   zerolog.Logger
	watcher  *fsnotify.Watcher

	mu       sync.Mutex
	pending  map[string]*pendingSync
	gen      uint64
	started  bool
	stopped  bool
	inflight sync.WaitGroup

	stopCh chan struct{}
	done   chan struct{}
}

// NewWatcher creates a watcher. Call Start to begin receiving events.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Root == "" {
		return nil, errors.New("watch root is required")
	}
	if cfg.OnChange == nil || cfg.OnRemove == nil {
		return nil, errors.New("watch callbacks are required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		root:     root,
		debounce: cfg.Debounce,
		onChange: cfg.OnChange,
		onRemove: cfg.OnRemove,
		logger:   cfg.Logger,
		watcher:  fw,
		pending:  make(map[string]*pendingSync),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start adds the root and every non-hidden subdirectory, then processes events.
func (w *Watcher) Start() error {
	if err := w.addTree(w.root); err != nil {
		w.watcher.Close()
		return err
	}
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	go w.run()
	return nil
}

// Stop cancels every pending debounce timer, stops event processing and
// waits for callbacks already running to return. No callback starts after
// Stop returns.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	started := w.started
	for rel, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, rel)
	}
	w.mu.Unlock()

	close(w.stopCh)
	err := w.watcher.Close()
	if started {
		<-w.done
	}
	w.inflight.Wait()
	return err
}

// Pending returns the number of paths waiting on their debounce timer.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			w.logger.Warn().Err(err).Str("path", p).Msg("Skipping unreadable directory")
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			return err
		}
		return nil
	})
}

// run processes file system events
func (w *Watcher) run() {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("File watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	rel, ok := w.relative(event.Name)
	if !ok {
		return
	}

	w.logger.Debug().
		Str("file", rel).
		Str("op", event.Op.String()).
		Msg("File change detected")

	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		w.cancelUnder(rel)
		w.invoke(func() { w.onRemove(rel) })

	case event.Has(fsnotify.Create):
		info, err := os.Stat(event.Name)
		if err != nil {
			return
		}
		if !info.IsDir() {
			if isMarkdown(rel) {
				w.schedule(rel)
			}
			return
		}
		if err := w.addTree(event.Name); err != nil {
			w.logger.Warn().Err(err).Str("path", rel).Msg("Failed to watch new directory")
		}
		// files written before the directory watch was added produce no events
		_ = filepath.WalkDir(event.Name, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !isMarkdown(d.Name()) {
				return nil
			}
			if r, ok := w.relative(p); ok {
				w.schedule(r)
			}
			return nil
		})

	case event.Has(fsnotify.Write):
		if isMarkdown(rel) {
			w.schedule(rel)
		}
	}
}

// relative maps an absolute event path to a root-relative slash path,
// rejecting the root itself and anything hidden.
func (w *Watcher) relative(name string) (string, bool) {
	rel, err := filepath.Rel(w.root, name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return "", false
		}
	}
	return rel, true
}

// schedule (re)starts the debounce timer for rel.
func (w *Watcher) schedule(rel string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	if p, ok := w.pending[rel]; ok {
		p.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.pending[rel] = &pendingSync{
		gen:   gen,
		timer: time.AfterFunc(w.debounce, func() { w.fire(rel, gen) }),
	}
}

func (w *Watcher) fire(rel string, gen uint64) {
	w.mu.Lock()
	p, ok := w.pending[rel]
	if w.stopped || !ok || p.gen != gen {
		w.mu.Unlock()
		return
	}
	delete(w.pending, rel)
	w.inflight.Add(1)
	w.mu.Unlock()

	defer w.inflight.Done()
	w.onChange(rel)
}

// cancelUnder drops pending timers for rel and anything below it.
func (w *Watcher) cancelUnder(rel string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	prefix := rel + "/"
	for path, p := range w.pending {
		if path == rel || strings.HasPrefix(path, prefix) {
			p.timer.Stop()
			delete(w.pending, path)
		}
	}
}

func (w *Watcher) invoke(fn func()) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.inflight.Add(1)
	w.mu.Unlock()

	defer w.inflight.Done()
	fn()
}
