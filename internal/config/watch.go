package config

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"campaigner/internal/pacing"
	logx "campaigner/pkg/logx"
)

// reloadDebounce coalesces the burst of events an editor emits for one save.
const reloadDebounce = 250 * time.Millisecond

var watchRestart = pacing.Backoff{Base: 250 * time.Millisecond, Max: 5 * time.Second}

// debouncer runs fn once the calls to trigger have been quiet for delay.
type debouncer struct {
	delay time.Duration
	fn    func()

	mu    sync.Mutex
	timer *time.Timer
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Watch reloads the file on change until ctx ends. The directory is watched
// rather than the file so replace-by-rename saves are seen. A failed or closed
// watcher is recreated after a jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	d := &debouncer{delay: reloadDebounce, fn: func() {
		if ctx.Err() == nil {
			m.reload(ctx)
		}
	}}
	defer d.stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for failures := 0; ; failures++ {
		err := m.watchOnce(ctx, dir, file, d.trigger, func() { failures = 0 })
		if ctx.Err() != nil {
			return nil
		}
		m.log.Warn("config watcher stopped; restarting", logx.String("dir", dir), logx.Err(err))

		wait, _ := watchRestart.Delay(failures)
		wait += time.Duration(rng.Int63n(int64(wait/2) + 1))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// watchOnce runs one fsnotify watcher until it breaks or ctx ends. started
// is called once the watch is in place.
func (m *ConfigManager) watchOnce(ctx context.Context, dir, file string, changed, started func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	started()
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				changed()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; one reload catches up.
				changed()
				continue
			}
			m.log.Warn("config watcher error", logx.Err(err))
		}
	}
}
