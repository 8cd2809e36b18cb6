package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/matthieugras/busadmin/internal/logging"
)

// watchDebounce collapses the burst of events a single atomic write produces
const watchDebounce = 200 * time.Millisecond

// FileSlots stores slots as a JSON object in a single file. The file is
// re-read on every Get so that writes from other processes are visible.
type FileSlots struct {
	mu   sync.Mutex
	path string
}

// NewFileSlots returns a file-backed slot store. The file is created on
// first write.
func NewFileSlots(path string) *FileSlots {
	return &FileSlots{path: path}
}

// Path returns the backing file path
func (f *FileSlots) Path() string {
	return f.path
}

func (f *FileSlots) Get(name string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return "", false, err
	}
	v, ok := values[name]
	return v, ok, nil
}

func (f *FileSlots) Set(name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return err
	}
	if current, ok := values[name]; ok && current == value {
		return nil
	}
	values[name] = value
	return f.save(values)
}

func (f *FileSlots) Delete(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := values[name]; !ok {
		return nil
	}
	delete(values, name)
	return f.save(values)
}

// Update applies set and del with a single read and at most one write
func (f *FileSlots) Update(set map[string]string, del []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return err
	}
	changed := false
	for name, value := range set {
		if current, ok := values[name]; !ok || current != value {
			values[name] = value
			changed = true
		}
	}
	for _, name := range del {
		if _, ok := values[name]; ok {
			delete(values, name)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return f.save(values)
}

// load reads the slot file. A missing file is empty; a corrupt one is
// treated as empty too and overwritten by the next save.
func (f *FileSlots) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	values := make(map[string]string)
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		logging.Warn("Session file %s is malformed, ignoring: %v", f.path, err)
		return make(map[string]string), nil
	}
	return values, nil
}

// save writes to a temp file and renames it over the slot file
func (f *FileSlots) save(values map[string]string) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session file: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("failed to create temp session file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set session file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close session file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// Watch calls onChange whenever the slot file is written, created or
// removed, debounced. It returns once the watcher is installed and stops
// when ctx is done.
func (f *FileSlots) Watch(ctx context.Context, onChange func()) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create session watcher: %w", err)
	}
	// Watch the directory: atomic renames replace the file's inode
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch session directory: %w", err)
	}

	changed := make(chan struct{}, 1)
	go f.handleWatcher(ctx, watcher, changed)
	go scheduleReload(ctx, changed, onChange)
	return nil
}

func (f *FileSlots) handleWatcher(ctx context.Context, watcher *fsnotify.Watcher, changed chan<- struct{}) {
	defer watcher.Close()
	target := filepath.Clean(f.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename) {
				select {
				case changed <- struct{}{}:
				default:
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("Session watcher error: %v", err)
		}
	}
}

func scheduleReload(ctx context.Context, changed <-chan struct{}, onChange func()) {
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-changed:
			if timer != nil {
				timer.Reset(watchDebounce)
			} else {
				timer = time.NewTimer(watchDebounce)
				fire = timer.C
			}
		case <-fire:
			timer = nil
			fire = nil
			onChange()
		}
	}
}
