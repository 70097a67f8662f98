package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
)

// DefaultDebounce groups file events from one save or checkout into a single
// push event.
const DefaultDebounce = 2 * time.Second

// Service runs a Dispatcher as a daemon: schedules fire from a UTC cron and
// push events come from watching the filtered paths under Root.
type Service struct {
	def      *Definition
	disp     *Dispatcher
	root     string
	debounce time.Duration

	cron    *cron.Cron
	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewService returns a Service that resolves push paths relative to root.
func NewService(def *Definition, disp *Dispatcher, root string) *Service {
	return &Service{def: def, disp: disp, root: root, debounce: DefaultDebounce}
}

// Start registers the schedules and begins watching. It does not block.
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.cron = cron.New(cron.WithLocation(time.UTC), cron.WithLogger(cronLogger{}))
	for _, sc := range s.def.Schedules {
		sc := sc
		s.cron.Schedule(sc.sched, cron.FuncJob(func() {
			s.fire(ctx, Event{Kind: EventSchedule, Cron: sc.Expr})
		}))
		slog.Info("Registered schedule.", "cron", sc.Expr, "next", sc.Next(time.Now()).Format(time.RFC3339))
	}
	s.cron.Start()

	if s.def.Push == nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.cron.Stop()
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	s.watcher = w
	for _, p := range s.def.Push.WatchPaths() {
		dir := filepath.Join(s.root, filepath.FromSlash(p))
		if filepath.Ext(p) != "" {
			dir = filepath.Dir(dir)
		}
		if err := w.Add(dir); err != nil {
			slog.Warn("Cannot watch path, push events for it are disabled.", "path", dir, "error", err)
			continue
		}
		slog.Info("Watching path for push events.", "path", dir)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watch(ctx)
	}()
	return nil
}

// Stop halts the schedules and the watcher and waits for a running job.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.watcher != nil {
		s.watcher.Close()
	}
	s.wg.Wait()
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Run starts the service and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Service) watch(ctx context.Context) {
	pending := map[string]struct{}{}
	var timer *time.Timer
	var fireC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			rel, err := filepath.Rel(s.root, ev.Name)
			if err != nil {
				continue
			}
			rel = filepath.ToSlash(rel)
			if !s.def.Push.Matches([]string{rel}) {
				continue
			}
			pending[rel] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(s.debounce)
			} else {
				timer.Reset(s.debounce)
			}
			fireC = timer.C
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("File watcher error.", "error", err)
		case <-fireC:
			fireC = nil
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			pending = map[string]struct{}{}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.fire(ctx, Event{Kind: EventPush, Paths: paths})
			}()
		}
	}
}

func (s *Service) fire(ctx context.Context, ev Event) {
	err := s.disp.Fire(ctx, ev)
	switch {
	case err == nil, errors.Is(err, ErrRunInProgress), errors.Is(err, ErrNotTriggered):
		// Dispatcher already logged the outcome.
	default:
		slog.Error("Triggered run ended with error.", "event", string(ev.Kind), "error", err)
	}
}

// cronLogger routes robfig/cron logs through slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
