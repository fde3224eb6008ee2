// Package settings supplies the user's current timezone.
package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	appLog "calsync/internal/log"
	"calsync/internal/state"
)

// Provider exposes the timezone id. Callers read it when they need it and
// must not cache it across operations.
type Provider interface {
	TimeZoneID() string
	Subscribe(ctx context.Context) <-chan string
}

// Location resolves p's current timezone, falling back to UTC for an
// unknown id.
func Location(p Provider) *time.Location {
	id := p.TimeZoneID()
	loc, err := time.LoadLocation(id)
	if err != nil {
		appLog.Warn("unknown timezone; using UTC", "timezone", id)
		return time.UTC
	}
	return loc
}

// Static holds a timezone that only changes through Set.
type Static struct {
	tz *state.Cell[string]
}

// NewStatic returns a provider fixed at tz.
func NewStatic(tz string) *Static {
	return &Static{tz: state.NewCell(tz)}
}

func (s *Static) TimeZoneID() string { return s.tz.Get() }

func (s *Static) Set(tz string) { s.tz.Set(tz) }

func (s *Static) Subscribe(ctx context.Context) <-chan string { return s.tz.Subscribe(ctx) }

// Watcher follows the timezone key of a YAML config file and picks up edits
// without a restart.
type Watcher struct {
	path    string
	tz      *state.Cell[string]
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher reads path once and starts watching it. fallback is used when
// the file has no usable timezone.
func NewWatcher(path, fallback string) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("settings path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	initial := fallback
	if tz, err := readTimezone(abs); err == nil && tz != "" {
		initial = tz
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	// Editors and config.Save replace the file by rename, so watch the
	// directory rather than the inode.
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:    abs,
		tz:      state.NewCell(initial),
		watcher: fw,
		done:    make(chan struct{}),
	}
	go w.loop()

	appLog.Info("watching settings", "path", abs, "timezone", initial)
	return w, nil
}

func (w *Watcher) TimeZoneID() string { return w.tz.Get() }

func (w *Watcher) Subscribe(ctx context.Context) <-chan string { return w.tz.Subscribe(ctx) }

// Close stops watching the file.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			appLog.Error("settings watcher error", err, "path", w.path)
		}
	}
}

func (w *Watcher) reload() {
	tz, err := readTimezone(w.path)
	if err != nil {
		// Half-written files show up here; the next event retries.
		appLog.Debug("settings reload skipped", "path", w.path, "reason", err)
		return
	}
	if tz == "" {
		return
	}
	if _, err := time.LoadLocation(tz); err != nil {
		appLog.Warn("ignoring unknown timezone", "timezone", tz)
		return
	}
	changed := w.tz.Update(func(cur string) (string, bool) {
		return tz, cur != tz
	})
	if changed {
		appLog.Info("timezone changed", "timezone", tz)
	}
}

func readTimezone(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var doc struct {
		Timezone string `yaml:"timezone"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", err
	}
	return strings.TrimSpace(doc.Timezone), nil
}
