package workflow

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 100 * time.Millisecond

// Watcher adds patterns written to a directory while the process runs.
// A changed file must carry a new version; rewriting a loaded version is
// rejected like any other definition error and only logged.
type Watcher struct {
	dir     string
	catalog *Catalog
	known   func() map[string]bool
	watcher *fsnotify.Watcher

	// OnLoad, when set, is called after each file is processed.
	OnLoad func(path string, p *Pattern, err error)

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewWatcher(dir string, catalog *Catalog, known func() map[string]bool) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("pattern watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("pattern watcher: watch %s: %w", dir, err)
	}
	return &Watcher{
		dir:     dir,
		catalog: catalog,
		known:   known,
		watcher: fw,
		stop:    make(chan struct{}),
	}, nil
}

func (w *Watcher) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop()
	}()
	log.Printf("workflow: watching %s for pattern changes", w.dir)
}

func (w *Watcher) Close() error {
	close(w.stop)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	debounce := time.NewTimer(watchDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := make(map[string]bool)

	for {
		select {
		case <-w.stop:
			debounce.Stop()
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 || !isPatternFile(ev.Name) {
				continue
			}
			// Editors emit several events per save.
			pending[ev.Name] = true
			debounce.Reset(watchDebounce)

		case <-debounce.C:
			for path := range pending {
				w.load(path)
			}
			pending = make(map[string]bool)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("workflow: pattern watcher: %v", err)
		}
	}
}

func (w *Watcher) load(path string) {
	p, err := w.parse(path)
	if err == nil {
		err = w.catalog.Add(p, w.known())
	}
	switch {
	case err != nil:
		log.Printf("workflow: pattern file %s rejected: %v", filepath.Base(path), err)
	default:
		log.Printf("workflow: loaded pattern %s v%d from %s", p.Name, p.Version, filepath.Base(path))
	}
	if w.OnLoad != nil {
		w.OnLoad(path, p, err)
	}
}

func (w *Watcher) parse(path string) (*Pattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePattern(data)
}

func isPatternFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
