package trigger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/dbfsync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scheduledWorkflow = `
name: ETL Firestore

on:
  schedule:
    - cron: '0 12 * * *'
    - cron: '0 20 * * *'
  workflow_dispatch:
  push:
    paths:
      - etl_firestore.py

jobs:
  sync:
    runs-on: ubuntu-latest
    env:
      DRIVE_KEY: ${{ secrets.DRIVE_KEY }}
      FIREBASE_KEY: ${{ secrets.FIREBASE_KEY }}
      LOG_FORMAT: json
    steps:
      - uses: actions/checkout@v4
      - run: go run ./cmd/dbf-sync run
`

const pushOnlyWorkflow = `
name: ETL Firestore
on:
  workflow_dispatch:
  push:
    paths:
      - 'etl_firestore.py'
jobs:
  sync:
    steps:
      - run: go run ./cmd/dbf-sync run
        env:
          DRIVE_KEY: ${{ secrets.DRIVE_KEY }}
          FIREBASE_KEY: ${{ secrets.FIREBASE_KEY }}
`

func mustParse(t *testing.T, src string) *Definition {
	t.Helper()
	def, err := Parse([]byte(src))
	require.NoError(t, err)
	return def
}

func envOf(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestParseWorkflow(t *testing.T) {
	def := mustParse(t, scheduledWorkflow)
	assert.Equal(t, "ETL Firestore", def.Name)
	require.Len(t, def.Schedules, 2)
	assert.Equal(t, "0 12 * * *", def.Schedules[0].Expr)
	assert.Equal(t, "0 20 * * *", def.Schedules[1].Expr)
	assert.True(t, def.Dispatch)
	require.NotNil(t, def.Push)
	assert.Equal(t, []string{"etl_firestore.py"}, def.Push.Paths)
	assert.Equal(t, []string{"DRIVE_KEY", "FIREBASE_KEY"}, def.Env)

	def = mustParse(t, pushOnlyWorkflow)
	assert.Empty(t, def.Schedules)
	assert.True(t, def.Dispatch)
	assert.Equal(t, []string{"DRIVE_KEY", "FIREBASE_KEY"}, def.Env)
}

func TestParseWorkflowShorthandOn(t *testing.T) {
	def := mustParse(t, "on: push\njobs: {}\n")
	require.NotNil(t, def.Push)
	assert.False(t, def.Dispatch)

	def = mustParse(t, "on: [push, workflow_dispatch]\n")
	assert.True(t, def.Dispatch)
	assert.True(t, def.Accepts(Event{Kind: EventPush, Paths: []string{"anything.txt"}}))
}

func TestParseWorkflowErrors(t *testing.T) {
	_, err := Parse([]byte("on:\n  schedule:\n    - cron: '61 12 * * *'\n"))
	assert.ErrorContains(t, err, "invalid cron")

	_, err = Parse([]byte("on:\n  pull_request:\n"))
	assert.ErrorContains(t, err, "no schedule")

	_, err = Parse([]byte("on: [unclosed\n"))
	assert.ErrorContains(t, err, "failed to parse workflow")
}

func TestSchedulesFireAtNoonAndEightPMUTC(t *testing.T) {
	def := mustParse(t, scheduledWorkflow)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, []time.Time{
		time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC),
	}, def.NextRuns(start))

	afterNoon := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC), def.NextRuns(afterNoon)[0])

	// Evaluation ignores the caller's zone.
	tokyo := time.FixedZone("JST", 9*3600)
	next := def.Schedules[0].Next(time.Date(2024, 3, 1, 8, 0, 0, 0, tokyo))
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), next)
	assert.Equal(t, time.UTC, next.Location())
}

func TestAccepts(t *testing.T) {
	def := mustParse(t, scheduledWorkflow)

	assert.True(t, def.Accepts(Event{Kind: EventSchedule, Cron: "0 12 * * *"}))
	assert.True(t, def.Accepts(Event{Kind: EventSchedule, Cron: "0 20 * * *"}))
	assert.False(t, def.Accepts(Event{Kind: EventSchedule, Cron: "0 6 * * *"}))
	assert.True(t, def.Accepts(Event{Kind: EventDispatch}))
	assert.True(t, def.Accepts(Event{Kind: EventPush, Paths: []string{"README.md", "etl_firestore.py"}}))
	assert.False(t, def.Accepts(Event{Kind: EventPush, Paths: []string{"README.md"}}))
	assert.False(t, def.Accepts(Event{Kind: EventPush}))
	assert.False(t, def.Accepts(Event{Kind: "pull_request"}))

	noDispatch := mustParse(t, "on:\n  schedule:\n    - cron: '0 12 * * *'\n")
	assert.False(t, noDispatch.Accepts(Event{Kind: EventDispatch}))
	assert.False(t, noDispatch.Accepts(Event{Kind: EventPush, Paths: []string{"etl_firestore.py"}}))
}

func TestPushFilterPatterns(t *testing.T) {
	tests := []struct {
		name    string
		paths   []string
		ignore  []string
		changed []string
		want    bool
	}{
		{"literal", []string{"etl_firestore.py"}, nil, []string{"etl_firestore.py"}, true},
		{"literal with dot slash", []string{"etl_firestore.py"}, nil, []string{"./etl_firestore.py"}, true},
		{"literal in subdir does not match", []string{"etl_firestore.py"}, nil, []string{"old/etl_firestore.py"}, false},
		{"star stays in segment", []string{"cmd/*"}, nil, []string{"cmd/dbf-sync/main.go"}, false},
		{"double star crosses segments", []string{"cmd/**"}, nil, []string{"cmd/dbf-sync/main.go"}, true},
		{"leading double star", []string{"**/*.go"}, nil, []string{"main.go"}, true},
		{"question mark", []string{"v?.txt"}, nil, []string{"v1.txt"}, true},
		{"non-ascii literal", []string{"datos/año.py"}, nil, []string{"datos/año.py"}, true},
		{"non-ascii under wildcard", []string{"datos/*.py"}, nil, []string{"datos/año.py"}, true},
		{"question mark takes one rune", []string{"a?o.py"}, nil, []string{"año.py"}, true},
		{"negation wins when last", []string{"internal/**", "!internal/**/*_test.go"}, nil, []string{"internal/dbf/table_test.go"}, false},
		{"later include overrides negation", []string{"!docs/**", "docs/**"}, nil, []string{"docs/a.md"}, true},
		{"ignore only", nil, []string{"docs/**"}, []string{"docs/a.md"}, false},
		{"ignore only with other change", nil, []string{"docs/**"}, []string{"docs/a.md", "main.go"}, true},
		{"no patterns", nil, nil, []string{"x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pf, err := NewPushFilter(tt.paths, tt.ignore)
			require.NoError(t, err)
			assert.Equal(t, tt.want, pf.Matches(tt.changed))
		})
	}
}

func TestWatchPaths(t *testing.T) {
	pf, err := NewPushFilter([]string{"etl_firestore.py", "cmd/dbf-sync/**", "!cmd/dbf-sync/x.go", "**/*.py"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"etl_firestore.py", "cmd/dbf-sync", "."}, pf.WatchPaths())
}

func TestRequiredEnv(t *testing.T) {
	def := mustParse(t, scheduledWorkflow)

	assert.NoError(t, def.RequiredEnv(envOf(map[string]string{"DRIVE_KEY": "{}", "FIREBASE_KEY": "{}"})))

	err := def.RequiredEnv(envOf(map[string]string{"DRIVE_KEY": "{}", "FIREBASE_KEY": "  "}))
	require.ErrorIs(t, err, config.ErrMissingSecret)
	assert.Contains(t, err.Error(), "FIREBASE_KEY")
	assert.NotContains(t, err.Error(), "DRIVE_KEY")

	err = def.RequiredEnv(envOf(nil))
	assert.ErrorContains(t, err, "DRIVE_KEY, FIREBASE_KEY")
}

func TestDispatcherFire(t *testing.T) {
	def := mustParse(t, scheduledWorkflow)
	var got []Event
	d := NewDispatcher(def, func(ctx context.Context, ev Event) error {
		got = append(got, ev)
		return nil
	})
	d.lookup = envOf(map[string]string{"DRIVE_KEY": "{}", "FIREBASE_KEY": "{}"})

	ctx := context.Background()
	require.NoError(t, d.Fire(ctx, Event{Kind: EventDispatch}))
	require.NoError(t, d.Fire(ctx, Event{Kind: EventSchedule, Cron: "0 20 * * *"}))
	assert.ErrorIs(t, d.Fire(ctx, Event{Kind: EventPush, Paths: []string{"README.md"}}), ErrNotTriggered)
	assert.Len(t, got, 2)

	jobErr := errors.New("boom")
	d.job = func(context.Context, Event) error { return jobErr }
	assert.ErrorIs(t, d.Fire(ctx, Event{Kind: EventDispatch}), jobErr)
}

func TestDispatcherRefusesWithoutSecrets(t *testing.T) {
	def := mustParse(t, scheduledWorkflow)
	called := false
	d := NewDispatcher(def, func(context.Context, Event) error {
		called = true
		return nil
	})
	d.lookup = envOf(map[string]string{"DRIVE_KEY": "{}"})

	err := d.Fire(context.Background(), Event{Kind: EventDispatch})
	assert.ErrorIs(t, err, config.ErrMissingSecret)
	assert.False(t, called)
}

func TestDispatcherOneRunAtATime(t *testing.T) {
	def := mustParse(t, scheduledWorkflow)
	started := make(chan struct{})
	release := make(chan struct{})
	d := NewDispatcher(def, func(context.Context, Event) error {
		close(started)
		<-release
		return nil
	})
	d.lookup = envOf(map[string]string{"DRIVE_KEY": "{}", "FIREBASE_KEY": "{}"})

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstErr = d.Fire(context.Background(), Event{Kind: EventSchedule, Cron: "0 12 * * *"})
	}()
	<-started

	assert.ErrorIs(t, d.Fire(context.Background(), Event{Kind: EventDispatch}), ErrRunInProgress)
	close(release)
	wg.Wait()
	assert.NoError(t, firstErr)
}

func TestServiceRegistersSchedules(t *testing.T) {
	def := mustParse(t, "on:\n  schedule:\n    - cron: '0 12 * * *'\n    - cron: '0 20 * * *'\n")
	d := NewDispatcher(def, func(context.Context, Event) error { return nil })
	s := NewService(def, d, t.TempDir())

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	entries := s.cron.Entries()
	require.Len(t, entries, 2)
	for _, e := range entries {
		next := e.Schedule.Next(time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC))
		assert.Contains(t, []int{12, 20}, next.UTC().Hour())
		assert.Zero(t, next.Minute())
	}
	assert.Nil(t, s.watcher)
}

func TestServiceFiresOnWatchedFileChange(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "etl_firestore.py")
	require.NoError(t, os.WriteFile(target, []byte("v1"), 0o644))

	def := mustParse(t, pushOnlyWorkflow)
	events := make(chan Event, 4)
	d := NewDispatcher(def, func(_ context.Context, ev Event) error {
		events <- ev
		return nil
	})
	d.lookup = envOf(map[string]string{"DRIVE_KEY": "{}", "FIREBASE_KEY": "{}"})

	s := NewService(def, d, root)
	s.debounce = 50 * time.Millisecond
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("docs"), 0o644))
	require.NoError(t, os.WriteFile(target, []byte("v2"), 0o644))

	select {
	case ev := <-events:
		assert.Equal(t, EventPush, ev.Kind)
		assert.Equal(t, []string{"etl_firestore.py"}, ev.Paths)
	case <-time.After(5 * time.Second):
		t.Fatal("push event not dispatched")
	}
}

func TestRepositoryWorkflow(t *testing.T) {
	def, err := Load(filepath.Join("..", "..", ".github", "workflows", "etl_firestore.yml"))
	require.NoError(t, err)

	assert.Equal(t, []time.Time{
		time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC),
	}, def.NextRuns(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, def.Accepts(Event{Kind: EventDispatch}))
	assert.True(t, def.Accepts(Event{Kind: EventPush, Paths: []string{"etl_firestore.py"}}))
	assert.True(t, def.Accepts(Event{Kind: EventPush, Paths: []string{"internal/dbf/table.go"}}))
	assert.False(t, def.Accepts(Event{Kind: EventPush, Paths: []string{"internal/dbf/table_test.go"}}))
	assert.False(t, def.Accepts(Event{Kind: EventPush, Paths: []string{"README.md"}}))
	assert.Equal(t, []string{"DRIVE_KEY", "FIREBASE_KEY"}, def.Env)
}
