// Package importer watches a drop directory for draft documents and submits
// each one through the wizard.
package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ruleforge/ruleforge/internal/catalog"
	"github.com/ruleforge/ruleforge/internal/draft"
	rferrors "github.com/ruleforge/ruleforge/internal/errors"
	"github.com/ruleforge/ruleforge/internal/metrics"
	"github.com/ruleforge/ruleforge/internal/types"
	"github.com/ruleforge/ruleforge/internal/validate"
	"github.com/ruleforge/ruleforge/internal/wizard"
)

// Result reports the outcome of one imported file.
type Result struct {
	Path       string
	Submission *wizard.Submission
	Err        error
}

// Importer turns draft documents dropped into a directory into saved rules.
type Importer struct {
	dir      string
	catalog  *catalog.Catalog
	store    wizard.Store
	defaults draft.Defaults
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger

	mu       sync.Mutex
	modTimes map[string]time.Time // last imported version per file
	onResult func(Result)
	cancel   context.CancelFunc
	stopped  bool
}

// New creates an importer for dir. A nil catalog uses the built-in one.
func New(dir string, cat *catalog.Catalog, store wizard.Store, defaults draft.Defaults, logger zerolog.Logger) (*Importer, error) {
	if cat == nil {
		cat = catalog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	return &Importer{
		dir:      dir,
		catalog:  cat,
		store:    store,
		defaults: defaults,
		watcher:  watcher,
		logger:   logger.With().Str("component", "importer").Logger(),
		modTimes: make(map[string]time.Time),
	}, nil
}

func (im *Importer) Name() string {
	return "importer"
}

// OnResult sets a callback run after every import attempt.
func (im *Importer) OnResult(fn func(Result)) {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.onResult = fn
}

// Supported reports whether path looks like a draft document.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// ImportFile reads a draft document and walks it through every wizard step,
// submitting it at the end. Validation failures are returned as EWIZ-001
// with the messages under the "errors" detail.
func (im *Importer) ImportFile(ctx context.Context, path string) (*wizard.Submission, error) {
	doc, err := draft.LoadFile(path)
	if err != nil {
		return nil, err
	}
	d, err := doc.Build(im.catalog, im.defaults)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	m := wizard.New(im.store, im.logger, wizard.WithDefaults(im.defaults))
	var sub *wizard.Submission
	m.OnSubmit(func(s wizard.Submission) { sub = &s })
	if err := m.Load(d); err != nil {
		return nil, err
	}

	for step := types.FirstStep; step <= types.LastStep; step++ {
		if err := m.Next(ctx); err != nil {
			if rferrors.Is(err, rferrors.ErrStepGate) {
				msgs := validate.Messages(m.Errors())
				return nil, rferrors.Newf(rferrors.ErrStepGate, "%s: %s", filepath.Base(path), strings.Join(msgs, "; ")).
					WithDetails("step", int(step)).
					WithDetails("errors", msgs)
			}
			return nil, err
		}
	}
	if sub == nil {
		return nil, rferrors.New(rferrors.ErrInternal, "draft was not submitted")
	}
	return sub, nil
}

// Start watches the directory until ctx is cancelled. Files already present
// are left alone; only files created or rewritten afterwards are imported.
func (im *Importer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	im.mu.Lock()
	if im.stopped {
		im.mu.Unlock()
		return nil
	}
	im.cancel = cancel
	im.mu.Unlock()

	if err := im.watcher.Add(im.dir); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("watching %s: %w", im.dir, err)
	}
	im.logger.Info().Str("dir", im.dir).Msg("watching for draft documents")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-im.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !Supported(event.Name) || !im.changed(event.Name) {
				continue
			}
			im.handle(ctx, event.Name)

		case err, ok := <-im.watcher.Errors:
			if !ok {
				return nil
			}
			im.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

// Stop ends a running Start and releases the watcher. It is safe to call
// concurrently with Start and more than once.
func (im *Importer) Stop() error {
	im.mu.Lock()
	if im.stopped {
		im.mu.Unlock()
		return nil
	}
	im.stopped = true
	cancel := im.cancel
	im.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return im.watcher.Close()
}

// changed reports whether path holds content that has not been imported yet.
// Empty files are skipped until they are written.
func (im *Importer) changed(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return false
	}
	im.mu.Lock()
	defer im.mu.Unlock()
	if last, ok := im.modTimes[path]; ok && !info.ModTime().After(last) {
		return false
	}
	im.modTimes[path] = info.ModTime()
	return true
}

func (im *Importer) handle(ctx context.Context, path string) {
	sub, err := im.ImportFile(ctx, path)
	metrics.ObserveImport(err)
	if err != nil {
		im.logger.Warn().Err(err).Str("file", path).Msg("import failed")
	} else {
		im.logger.Info().Str("file", path).Str("id", sub.ID).Str("kind", string(sub.Kind)).Msg("draft imported")
	}

	im.mu.Lock()
	cb := im.onResult
	im.mu.Unlock()
	if cb != nil {
		cb(Result{Path: path, Submission: sub, Err: err})
	}
}
