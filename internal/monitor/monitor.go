package monitor

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fsnotify/fsnotify"
	"github.com/patrickmn/go-cache"

	"github.com/zjrosen/adw/internal/events"
	"github.com/zjrosen/adw/internal/log"
	"github.com/zjrosen/adw/internal/paths"
)

const (
	defaultPollInterval = 1 * time.Second
	maxPollInterval     = 5 * time.Second
	stopJoinTimeout     = 5 * time.Second
)

// Monitor watches one workflow's directory tree and the shared specs
// directory. A 1 s polling loop is the source of truth; an fsnotify
// observer only wakes the loop early when files change. On cycle errors
// the poll interval backs off toward 5 s.
type Monitor struct {
	adwID    string
	resolver paths.Resolver
	bus      *events.Bus
	parser   *Parser

	pollInterval time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	// Polling-loop state, touched only from the loop goroutine after Start.
	lastState map[string]any
	offsets   map[string]int64
	seen      *cache.Cache
}

// New creates a monitor for one workflow. Events go out through bus.
func New(adwID string, resolver paths.Resolver, bus *events.Bus) *Monitor {
	return &Monitor{
		adwID:        adwID,
		resolver:     resolver,
		bus:          bus,
		parser:       NewParser(adwID),
		pollInterval: defaultPollInterval,
		offsets:      map[string]int64{},
		seen:         cache.New(cache.NoExpiration, 0),
	}
}

// Start begins observing and polling. Calling Start on a running monitor
// is a no-op.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	if err := m.resolver.EnsureWorkflowRoot(m.adwID); err != nil {
		return fmt.Errorf("creating workflow directory: %w", err)
	}
	if err := os.MkdirAll(m.resolver.SpecsDir(), 0o755); err != nil {
		return fmt.Errorf("creating specs directory: %w", err)
	}

	wake := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Degrade to pure polling; discovery is just slower.
		log.Warn(log.CatMonitor, "filesystem observer unavailable, polling only",
			"adw_id", m.adwID, "error", err.Error())
		watcher = nil
	} else {
		if err := watcher.Add(m.resolver.WorkflowRoot(m.adwID)); err != nil {
			log.Warn(log.CatMonitor, "cannot observe workflow root", "adw_id", m.adwID, "error", err.Error())
		}
		if err := watcher.Add(m.resolver.SpecsDir()); err != nil {
			log.Warn(log.CatMonitor, "cannot observe specs dir", "adw_id", m.adwID, "error", err.Error())
		}
	}

	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.running = true

	if watcher != nil {
		log.SafeGo("monitor-observe-"+m.adwID, func() {
			m.observe(watcher, wake)
		})
	}
	stop, done := m.stop, m.done
	log.SafeGo("monitor-poll-"+m.adwID, func() {
		defer close(done)
		defer func() {
			if watcher != nil {
				watcher.Close()
			}
		}()
		m.poll(stop, wake)
	})

	log.Info(log.CatMonitor, "monitor started", "adw_id", m.adwID)
	return nil
}

// Stop halts polling and releases the observer. It joins the polling
// goroutine with a bounded wait and is safe to call repeatedly.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
		log.Warn(log.CatMonitor, "monitor stop timed out", "adw_id", m.adwID)
	}
	log.Info(log.CatMonitor, "monitor stopped", "adw_id", m.adwID)
}

// observe forwards relevant filesystem events as wake-ups.
func (m *Monitor) observe(watcher *fsnotify.Watcher, wake chan<- struct{}) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			// New subdirectories need observing too.
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := watcher.Add(event.Name); err != nil {
					log.Debug(log.CatMonitor, "cannot observe subdirectory", "path", event.Name)
				}
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (m *Monitor) poll(stop <-chan struct{}, wake <-chan struct{}) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.pollInterval
	bo.MaxInterval = maxPollInterval
	bo.RandomizationFactor = 0
	bo.Multiplier = 2

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		case <-wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		delay := m.pollInterval
		if err := m.cycle(); err != nil {
			delay = bo.NextBackOff()
			log.Warn(log.CatMonitor, "poll cycle failed", "adw_id", m.adwID,
				"error", err.Error(), "retry_in", delay.String())
		} else {
			bo.Reset()
		}
		timer.Reset(delay)
	}
}

// cycle runs one full pass: state diff, JSONL and execution-log tailing,
// screenshot and spec discovery. Per-file problems are logged and skipped;
// only a failure to read the directory tree itself is returned.
func (m *Monitor) cycle() error {
	m.diffState()

	root := m.resolver.WorkflowRoot(m.adwID)
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("reading workflow root: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		agentRole := entry.Name()
		agentDir := filepath.Join(root, agentRole)
		m.tailJSONL(agentRole, filepath.Join(agentDir, paths.RawOutputFileName))
		m.tailExecutionLog(agentRole, filepath.Join(agentDir, paths.ExecutionLogFileName))
		m.findScreenshots(agentRole, filepath.Join(agentDir, paths.ReviewImgDirName))
	}

	m.findSpecs()
	return nil
}

// diffState publishes agent_updated when adw_state.json changes. The first
// successful read reports every top-level key as changed.
func (m *Monitor) diffState() {
	data, err := os.ReadFile(m.resolver.StateFile(m.adwID))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn(log.CatMonitor, "cannot read state file", "adw_id", m.adwID, "error", err.Error())
		}
		return
	}

	var state map[string]any
	if err := json.Unmarshal(data, &state); err != nil {
		log.Warn(log.CatMonitor, "invalid state file json", "adw_id", m.adwID, "error", err.Error())
		return
	}

	var changed []string
	if m.lastState == nil {
		for key := range state {
			changed = append(changed, key)
		}
	} else {
		for key, value := range state {
			if prev, ok := m.lastState[key]; !ok || !reflect.DeepEqual(prev, value) {
				changed = append(changed, key)
			}
		}
		for key := range m.lastState {
			if _, ok := state[key]; !ok {
				changed = append(changed, key)
			}
		}
	}
	m.lastState = state
	if len(changed) == 0 {
		return
	}
	sort.Strings(changed)

	m.bus.Publish(events.New(events.TypeAgentUpdated, map[string]any{
		"adw_id":         m.adwID,
		"state":          state,
		"changed_fields": changed,
	}))
}

// tailJSONL reads complete new lines from a raw_output.jsonl file, feeding
// each decoded value to the parser. A trailing partial line is left for the
// next cycle.
func (m *Monitor) tailJSONL(agentRole, path string) {
	m.tailLines(path, func(line string) {
		var value any
		if err := json.Unmarshal([]byte(line), &value); err != nil {
			log.Warn(log.CatMonitor, "skipping malformed jsonl line",
				"adw_id", m.adwID, "agent", agentRole, "error", err.Error())
			return
		}
		for _, event := range m.parser.Parse(agentRole, value) {
			m.bus.Publish(event)
		}
	})
}

// tailExecutionLog emits one agent_log per new execution.log line.
func (m *Monitor) tailExecutionLog(agentRole, path string) {
	m.tailLines(path, func(line string) {
		m.bus.Publish(events.New(events.TypeAgentLog, map[string]any{
			"adw_id":     m.adwID,
			"agent_role": agentRole,
			"level":      classifyLogLine(line),
			"message":    line,
			"source":     paths.ExecutionLogFileName,
		}))
	})
}

// tailLines calls handle for each complete new line past the file's last
// known offset, then persists the new offset. Missing files are fine.
func (m *Monitor) tailLines(path string, handle func(line string)) {
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn(log.CatMonitor, "cannot open tailed file", "path", path, "error", err.Error())
		}
		return
	}
	defer f.Close()

	offset := m.offsets[path]
	if info, err := f.Stat(); err == nil && info.Size() < offset {
		// Truncated or replaced; start over.
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		log.Warn(log.CatMonitor, "cannot seek tailed file", "path", path, "error", err.Error())
		return
	}

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// Incomplete final line stays unconsumed until it is terminated.
			break
		}
		offset += int64(len(line))
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			handle(trimmed)
		}
	}
	m.offsets[path] = offset
}

// findScreenshots reports new image files under an agent's review_img/.
func (m *Monitor) findScreenshots(agentRole, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !paths.IsScreenshot(entry.Name()) {
			continue
		}
		rel := filepath.Join(agentRole, paths.ReviewImgDirName, entry.Name())
		if m.seen.Add("screenshot:"+rel, true, cache.NoExpiration) != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		m.bus.Publish(events.New(events.TypeScreenshotAvailable, map[string]any{
			"adw_id":     m.adwID,
			"path":       rel,
			"filename":   entry.Name(),
			"size":       info.Size(),
			"created_at": info.ModTime().UTC().Format(time.RFC3339),
		}))
	}
}

// findSpecs reports new markdown files mentioning this workflow in the
// shared specs directory.
func (m *Monitor) findSpecs() {
	entries, err := os.ReadDir(m.resolver.SpecsDir())
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".md" || !strings.Contains(name, m.adwID) {
			continue
		}
		if m.seen.Add("spec:"+name, true, cache.NoExpiration) != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		m.bus.Publish(events.New(events.TypeSpecCreated, map[string]any{
			"adw_id":     m.adwID,
			"spec_path":  filepath.Join(paths.SpecsDirName, name),
			"filename":   name,
			"spec_type":  specType(name),
			"size":       info.Size(),
			"created_at": info.ModTime().UTC().Format(time.RFC3339),
		}))
	}
}

func specType(filename string) string {
	lower := strings.ToLower(filename)
	switch {
	case strings.Contains(lower, "patch"):
		return "patch"
	case strings.Contains(lower, "review"):
		return "review"
	default:
		return "plan"
	}
}
