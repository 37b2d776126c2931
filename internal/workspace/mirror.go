package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/codefionn/clawlink/internal/logger"
	"github.com/fsnotify/fsnotify"
)

// Mirror keeps local copies of the two workspace documents on disk so the
// user can inspect and edit them with ordinary tools. Remote updates are
// written through; a local edit is reported so the caller can push it back to
// the gateway.
type Mirror struct {
	dir         string
	onLocalEdit func()
	log         *logger.Logger

	mu      sync.Mutex
	written map[string]string
	closed  bool

	watcher *fsnotify.Watcher
}

// NewMirror creates the mirror directory and starts watching it.
func NewMirror(dir string, onLocalEdit func()) (*Mirror, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create mirror directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	m := &Mirror{
		dir:         dir,
		onLocalEdit: onLocalEdit,
		log:         logger.Global().WithPrefix("mirror"),
		written:     make(map[string]string),
		watcher:     watcher,
	}
	go m.watch()
	return m, nil
}

// WriteIdentity mirrors remote identity content to disk.
func (m *Mirror) WriteIdentity(content string) error {
	return m.write(IdentityFileName, content)
}

// WriteProfile mirrors remote profile content to disk.
func (m *Mirror) WriteProfile(content string) error {
	return m.write(ProfileFileName, content)
}

// ReadIdentity returns the mirrored identity document, empty when absent.
func (m *Mirror) ReadIdentity() string {
	return m.read(IdentityFileName)
}

// ReadProfile returns the mirrored profile document, empty when absent.
func (m *Mirror) ReadProfile() string {
	return m.read(ProfileFileName)
}

// Close stops the watcher. Mirrored files stay on disk.
func (m *Mirror) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.watcher.Close()
}

func (m *Mirror) write(name, content string) error {
	m.mu.Lock()
	m.written[name] = content
	m.mu.Unlock()

	tmp := filepath.Join(m.dir, name+".tmp")
	if err := os.WriteFile(tmp, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp, filepath.Join(m.dir, name)); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

func (m *Mirror) read(name string) string {
	data, err := os.ReadFile(filepath.Join(m.dir, name))
	if err != nil {
		return ""
	}
	return string(data)
}

// watch reports file changes that did not come from our own writes. A
// round-tripped push matches the recorded content, so remote write-through
// never loops back into another push.
func (m *Mirror) watch() {
	for {
		select {
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			name := filepath.Base(ev.Name)
			if name != IdentityFileName && name != ProfileFileName {
				continue
			}
			m.handleChange(name)

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn("watch error: %v", err)
		}
	}
}

func (m *Mirror) handleChange(name string) {
	content := m.read(name)

	m.mu.Lock()
	own := m.written[name] == content
	closed := m.closed
	m.mu.Unlock()
	if own || closed || content == "" {
		return
	}

	m.log.Info("local edit detected in %s", name)
	if m.onLocalEdit != nil {
		m.onLocalEdit()
	}
}
