package service

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/imlsys/imlcore/internal/domain/trigger"
)

// TriggerFireFunc is invoked once per condition match. It returns an error
// only for conditions the watcher itself cannot recover from; ordinary
// throttling/conflict decisions are made by the caller and never cause the
// watcher loop to exit.
type TriggerFireFunc func(ctx context.Context) error

// TriggerWatcher watches one trigger's condition and calls fire each time
// it is satisfied, blocking until ctx is cancelled or an unrecoverable
// error occurs.
type TriggerWatcher interface {
	Watch(ctx context.Context, def trigger.Definition, fire TriggerFireFunc) error
}

// cronParser parses standard 5-field cron expressions. Used standalone —
// only for Next(t) computation — not as a running scheduler, since the
// temporal watcher owns its own sleep-until loop.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// TemporalWatcher implements the interval/cron/once watcher types.
type TemporalWatcher struct {
	now func() time.Time
}

// NewTemporalWatcher creates a TemporalWatcher using the real clock.
func NewTemporalWatcher() *TemporalWatcher {
	return &TemporalWatcher{now: time.Now}
}

func (w *TemporalWatcher) Watch(ctx context.Context, def trigger.Definition, fire TriggerFireFunc) error {
	cond := def.Condition.Temporal
	if cond == nil {
		return fmt.Errorf("temporal watcher %s: condition missing", def.TriggerID)
	}

	switch cond.Mode {
	case trigger.TemporalOnce:
		return w.watchOnce(ctx, cond, fire)
	case trigger.TemporalInterval:
		return w.watchInterval(ctx, cond, fire)
	case trigger.TemporalCron:
		return w.watchCron(ctx, cond, fire)
	default:
		return fmt.Errorf("temporal watcher %s: unknown mode %q", def.TriggerID, cond.Mode)
	}
}

func (w *TemporalWatcher) watchOnce(ctx context.Context, cond *trigger.TemporalCondition, fire TriggerFireFunc) error {
	if cond.At == nil {
		return fmt.Errorf("temporal watcher: once mode requires at")
	}
	d := cond.At.Sub(w.now())
	if d < 0 {
		d = 0
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return fire(ctx)
	}
}

// watchInterval blocks on the stop signal with a timeout equal to the
// interval and resets from a fresh timer each cycle, so drift never
// accumulates across fires (spec §4.9 "no clock drift").
func (w *TemporalWatcher) watchInterval(ctx context.Context, cond *trigger.TemporalCondition, fire TriggerFireFunc) error {
	if cond.IntervalSeconds <= 0 {
		return fmt.Errorf("temporal watcher: interval mode requires interval_seconds")
	}
	interval := time.Duration(cond.IntervalSeconds) * time.Second
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
			if err := fire(ctx); err != nil {
				return err
			}
		}
	}
}

func (w *TemporalWatcher) watchCron(ctx context.Context, cond *trigger.TemporalCondition, fire TriggerFireFunc) error {
	schedule, err := cronParser.Parse(cond.CronExpr)
	if err != nil {
		return fmt.Errorf("temporal watcher: parse cron_expr %q: %w", cond.CronExpr, err)
	}
	for {
		next := schedule.Next(w.now())
		d := next.Sub(w.now())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
			if err := fire(ctx); err != nil {
				return err
			}
		}
	}
}

// FilesystemWatcher implements the filesystem watcher type on fsnotify.
type FilesystemWatcher struct{}

// NewFilesystemWatcher creates a FilesystemWatcher.
func NewFilesystemWatcher() *FilesystemWatcher {
	return &FilesystemWatcher{}
}

func (w *FilesystemWatcher) Watch(ctx context.Context, def trigger.Definition, fire TriggerFireFunc) error {
	cond := def.Condition.Filesystem
	if cond == nil {
		return fmt.Errorf("filesystem watcher %s: condition missing", def.TriggerID)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("filesystem watcher: %w", err)
	}
	defer fsw.Close()

	paths, err := watchedPaths(cond.Path, cond.Recursive)
	if err != nil {
		return fmt.Errorf("filesystem watcher: %w", err)
	}
	for _, p := range paths {
		if err := fsw.Add(p); err != nil {
			return fmt.Errorf("filesystem watcher: add %s: %w", p, err)
		}
	}

	wanted := fsEventSet(cond.Events)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("filesystem watcher: errors channel closed")
			}
			return fmt.Errorf("filesystem watcher: %w", err)
		case ev, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("filesystem watcher: events channel closed")
			}
			kind, recognized := classifyFSEvent(ev.Op)
			if !recognized {
				continue
			}
			if wanted != nil && !wanted[kind] {
				continue
			}
			if err := fire(ctx); err != nil {
				return err
			}
		}
	}
}

// watchedPaths returns root alone, or root and every descendant directory
// when recursive is set — fsnotify has no native recursive mode.
func watchedPaths(root string, recursive bool) ([]string, error) {
	if !recursive {
		return []string{root}, nil
	}
	var paths []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			paths = append(paths, p)
		}
		return nil
	})
	return paths, err
}

func fsEventSet(events []trigger.FSEventKind) map[trigger.FSEventKind]bool {
	if len(events) == 0 {
		return nil // nil = all kinds accepted
	}
	set := make(map[trigger.FSEventKind]bool, len(events))
	for _, e := range events {
		set[e] = true
	}
	return set
}

func classifyFSEvent(op fsnotify.Op) (trigger.FSEventKind, bool) {
	switch {
	case op&fsnotify.Create == fsnotify.Create:
		return trigger.FSCreated, true
	case op&fsnotify.Write == fsnotify.Write:
		return trigger.FSModified, true
	case op&fsnotify.Remove == fsnotify.Remove, op&fsnotify.Rename == fsnotify.Rename:
		return trigger.FSDeleted, true
	default:
		return "", false
	}
}

// ProcessWatcher implements the process watcher type by polling /proc for
// a named process's presence. No ecosystem process-enumeration library
// appears in the retrieved pack, so this reads procfs directly — a
// deliberate standard-library (and Linux-specific) exception, recorded in
// DESIGN.md.
type ProcessWatcher struct{}

// NewProcessWatcher creates a ProcessWatcher.
func NewProcessWatcher() *ProcessWatcher {
	return &ProcessWatcher{}
}

func (w *ProcessWatcher) Watch(ctx context.Context, def trigger.Definition, fire TriggerFireFunc) error {
	cond := def.Condition.Process
	if cond == nil {
		return fmt.Errorf("process watcher %s: condition missing", def.TriggerID)
	}
	interval := time.Duration(cond.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}

	wasRunning, err := processRunning(cond.ProcessName)
	if err != nil {
		return fmt.Errorf("process watcher: %w", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			nowRunning, err := processRunning(cond.ProcessName)
			if err != nil {
				return fmt.Errorf("process watcher: %w", err)
			}
			if nowRunning == wasRunning {
				continue
			}
			wasRunning = nowRunning
			transitionMatches := (cond.Event == trigger.ProcessStarted && nowRunning) ||
				(cond.Event == trigger.ProcessStopped && !nowRunning)
			if transitionMatches {
				if err := fire(ctx); err != nil {
					return err
				}
			}
		}
	}
}

func processRunning(name string) (bool, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue // not a PID directory
		}
		comm, err := os.ReadFile(filepath.Join("/proc", e.Name(), "comm"))
		if err != nil {
			continue // process exited between ReadDir and ReadFile
		}
		if strings.TrimSpace(string(comm)) == name {
			return true, nil
		}
	}
	return false, nil
}

// ResourceWatcher implements the resource watcher type, polling a system
// metric and firing when it holds past threshold continuously for
// duration_seconds. Like ProcessWatcher, this reads procfs directly —
// the same documented standard-library/Linux exception.
type ResourceWatcher struct {
	pollInterval time.Duration
}

// NewResourceWatcher creates a ResourceWatcher polling every interval
// (defaulting to 5s).
func NewResourceWatcher(interval time.Duration) *ResourceWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ResourceWatcher{pollInterval: interval}
}

func (w *ResourceWatcher) Watch(ctx context.Context, def trigger.Definition, fire TriggerFireFunc) error {
	cond := def.Condition.Resource
	if cond == nil {
		return fmt.Errorf("resource watcher %s: condition missing", def.TriggerID)
	}

	var heldSince time.Time
	var prevIdle, prevTotal uint64
	haveSample := false

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			var value float64
			if cond.Metric == trigger.MetricCPUPercent {
				idle, total, err := readCPUTimes()
				if err != nil {
					return fmt.Errorf("resource watcher: %w", err)
				}
				if !haveSample {
					prevIdle, prevTotal, haveSample = idle, total, true
					continue
				}
				value = cpuPercentFromDelta(prevIdle, prevTotal, idle, total)
				prevIdle, prevTotal = idle, total
			} else {
				v, err := readResourceMetric(cond.Metric)
				if err != nil {
					return fmt.Errorf("resource watcher: %w", err)
				}
				value = v
			}

			if value < cond.Threshold {
				heldSince = time.Time{}
				continue
			}
			if heldSince.IsZero() {
				heldSince = time.Now()
				continue
			}
			if time.Since(heldSince) >= time.Duration(cond.DurationSeconds)*time.Second {
				if err := fire(ctx); err != nil {
					return err
				}
				heldSince = time.Time{} // re-arm: must hold again before firing twice
			}
		}
	}
}

func readResourceMetric(metric trigger.ResourceMetric) (float64, error) {
	switch metric {
	case trigger.MetricMemoryPercent:
		return readMemoryPercent()
	case trigger.MetricDiskPercent:
		return readDiskPercent("/")
	default:
		return 0, fmt.Errorf("unsupported resource metric %q outside the CPU sampling path", metric)
	}
}

func readCPUTimes() (idle, total uint64, err error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, 0, err
	}
	lines := strings.SplitN(string(data), "\n", 2)
	if len(lines) == 0 {
		return 0, 0, fmt.Errorf("empty /proc/stat")
	}
	fields := strings.Fields(lines[0])
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, fmt.Errorf("unexpected /proc/stat format")
	}
	var sum uint64
	for _, f := range fields[1:] {
		v, perr := strconv.ParseUint(f, 10, 64)
		if perr != nil {
			continue
		}
		sum += v
	}
	idleVal, _ := strconv.ParseUint(fields[4], 10, 64)
	return idleVal, sum, nil
}

func cpuPercentFromDelta(prevIdle, prevTotal, idle, total uint64) float64 {
	totalDelta := total - prevTotal
	idleDelta := idle - prevIdle
	if totalDelta == 0 {
		return 0
	}
	return 100 * (1 - float64(idleDelta)/float64(totalDelta))
}

func readMemoryPercent() (float64, error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	values := make(map[string]uint64)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		values[strings.TrimSuffix(fields[0], ":")] = v
	}
	total, ok := values["MemTotal"]
	if !ok || total == 0 {
		return 0, fmt.Errorf("MemTotal not found in /proc/meminfo")
	}
	avail := values["MemAvailable"]
	used := total - avail
	return 100 * float64(used) / float64(total), nil
}

func readDiskPercent(path string) (float64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	if total == 0 {
		return 0, fmt.Errorf("statfs %s: zero total blocks", path)
	}
	free := stat.Bfree * uint64(stat.Bsize)
	used := total - free
	return 100 * float64(used) / float64(total), nil
}
