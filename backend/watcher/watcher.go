package watcher

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/andi/xmlconv/backend/apperr"
	"github.com/andi/xmlconv/backend/models"
	"github.com/andi/xmlconv/backend/storage"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Submitter accepts documents dropped into the inbox
type Submitter interface {
	UploadAndProcess(ctx context.Context, r io.Reader, name string) (*models.Document, *models.ConversionJob, error)
}

// Watcher monitors an inbox directory and submits every XML file that
// lands in it
type Watcher struct {
	inbox    string
	submit   Submitter
	debounce time.Duration
	log      zerolog.Logger

	watcher  *fsnotify.Watcher
	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	stopped  bool

	// Debounce map to avoid processing a file while it is still being written
	debounceMap map[string]*time.Timer
	debounceMu  sync.Mutex
}

// New creates a new inbox watcher
func New(inbox string, submit Submitter, debounce time.Duration, log zerolog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(inbox)
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		inbox:       abs,
		submit:      submit,
		debounce:    debounce,
		log:         log.With().Str("component", "watcher").Str("inbox", abs).Logger(),
		watcher:     fsWatcher,
		ctx:         ctx,
		cancel:      cancel,
		stopChan:    make(chan struct{}),
		debounceMap: make(map[string]*time.Timer),
	}, nil
}

// Start watches the inbox and submits files that are already there
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.inbox, 0755); err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "inbox is unavailable", err)
	}
	if err := w.watcher.Add(w.inbox); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.processEvents()

	n := w.Sweep()
	w.log.Info().Int("swept", n).Msg("inbox watcher started")
	return nil
}

// Stop stops the watcher and waits for in-flight submissions
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	close(w.stopChan)
	w.watcher.Close()

	w.debounceMu.Lock()
	for path, timer := range w.debounceMap {
		timer.Stop()
		delete(w.debounceMap, path)
	}
	w.debounceMu.Unlock()

	w.cancel()
	w.wg.Wait()
	w.log.Info().Msg("inbox watcher stopped")
}

// Sweep submits every XML file currently in the inbox and returns how many
// were attempted
func (w *Watcher) Sweep() int {
	files, err := storage.ListFiles(w.inbox, "xml")
	if err != nil {
		w.log.Error().Err(err).Msg("inbox sweep failed")
		return 0
	}
	for _, f := range files {
		w.fire(f.Path)
	}
	return len(files)
}

// processEvents processes file system events
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopChan:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 && isCandidate(event.Name) {
				w.schedule(event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watcher error")
		}
	}
}

func isCandidate(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}
	_, ext := storage.SplitExt(name)
	return strings.EqualFold(ext, ".xml")
}

// schedule (re)arms the debounce timer for path
func (w *Watcher) schedule(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debounceMap[path]; exists {
		timer.Reset(w.debounce)
		return
	}
	w.debounceMap[path] = time.AfterFunc(w.debounce, func() {
		w.debounceMu.Lock()
		delete(w.debounceMap, path)
		w.debounceMu.Unlock()
		w.fire(path)
	})
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	w.processFile(path)
}

// processFile submits one inbox file and removes it once it is staged
func (w *Watcher) processFile(path string) {
	name := filepath.Base(path)
	logger := w.log.With().Str("file", name).Logger()

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to open inbox file")
		return
	}

	doc, job, err := w.submit.UploadAndProcess(w.ctx, f, name)
	f.Close()

	if doc == nil {
		// not staged; leave the file for the operator
		logger.Warn().Err(err).Str("kind", string(apperr.KindOf(err))).Msg("inbox file rejected")
		return
	}
	if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		logger.Error().Err(rmErr).Msg("failed to remove inbox file")
	}

	event := logger.Info()
	if err != nil {
		event = logger.Warn().Err(err)
	}
	if job != nil {
		event = event.Str("job_id", job.ID).Str("state", string(job.State))
	}
	event.Str("stored_name", doc.StoredName).Msg("inbox file processed")
}
