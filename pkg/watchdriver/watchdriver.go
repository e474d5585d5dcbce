// Package watchdriver implements C12 (spec.md §4.11): a debounced
// filesystem watch across multiple roots that wakes the supervisor with
// a batch of changed paths. Libraries: github.com/fsnotify/fsnotify (seen
// across the retrieved pack) and github.com/boz/go-throttle, vendored
// unused by the teacher — this is its first real exercise, matching its
// ThrottleFunc to this component's debounce requirement exactly.
package watchdriver

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/boz/go-throttle"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the debounce window spec.md §4.11 defaults to.
const DefaultDebounce = 250 * time.Millisecond

// Batch is a deduplicated set of paths that changed since the last flush.
type Batch struct {
	Paths []string
}

// OnBatch is called once per debounce tick with a non-empty batch.
type OnBatch func(Batch)

// Driver watches a set of root directories recursively and dispatches
// debounced batches of changed paths.
type Driver struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onBatch  OnBatch

	mu      sync.Mutex
	pending map[string]struct{}

	driver throttle.ThrottleDriver
	done   chan struct{}
}

// New creates a Driver watching roots recursively, debounced by the given
// window (DefaultDebounce if zero). onBatch is invoked on its own
// goroutine per tick.
func New(roots []string, debounce time.Duration, onBatch OnBatch) (*Driver, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	d := &Driver{
		watcher:  w,
		debounce: debounce,
		onBatch:  onBatch,
		pending:  map[string]struct{}{},
		done:     make(chan struct{}),
	}

	for _, root := range roots {
		if err := d.addRecursive(root); err != nil {
			w.Close()
			return nil, err
		}
	}

	d.driver = throttle.ThrottleFunc(debounce, true, d.flush)

	go d.loop()

	return d, nil
}

func (d *Driver) addRecursive(root string) error {
	return filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if werr := d.watcher.Add(p); werr != nil {
				return nil
			}
		}
		return nil
	})
}

func (d *Driver) loop() {
	for {
		select {
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			d.mu.Lock()
			d.pending[ev.Name] = struct{}{}
			d.mu.Unlock()

			// A newly created directory needs its own watch registered
			// so nested artifacts are seen too.
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = d.addRecursive(ev.Name)
				}
			}

			d.driver.Trigger()
		case _, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
		case <-d.done:
			return
		}
	}
}

func (d *Driver) flush() {
	d.mu.Lock()
	if len(d.pending) == 0 {
		d.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(d.pending))
	for p := range d.pending {
		paths = append(paths, p)
	}
	d.pending = map[string]struct{}{}
	d.mu.Unlock()

	d.onBatch(Batch{Paths: paths})
}

// Close cancels the watcher, drains the current batch, and stops the
// debounce goroutine (spec.md §4.11: "drains the current batch and exits").
func (d *Driver) Close() error {
	d.driver.Stop()
	close(d.done)
	return d.watcher.Close()
}
