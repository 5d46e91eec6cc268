package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay debounces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// Loader reads admission policies and policy data from disk.
type Loader struct {
	logger  zerolog.Logger
	cache   map[string]*Policy
	mu      sync.RWMutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]*Policy),
	}
}

// LoadFromPaths loads policies from a list of file or directory paths.
// Directories are walked recursively for .rego and .json files.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat policy path %s: %w", path, err)
		}
		if !info.IsDir() {
			p, err := l.loadFile(path)
			if err != nil {
				return nil, err
			}
			all = append(all, *p)
			continue
		}
		err = filepath.WalkDir(path, func(file string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !isPolicyFile(file) {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			p, err := l.loadFile(file)
			if err != nil {
				return err
			}
			all = append(all, *p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
		}
	}

	l.logger.Info().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")
	return all, nil
}

func isPolicyFile(path string) bool {
	return strings.HasSuffix(path, ".rego") || strings.HasSuffix(path, ".json")
}

// loadFile loads one policy file, using the cache when possible.
func (l *Loader) loadFile(path string) (*Policy, error) {
	l.mu.RLock()
	cached, ok := l.cache[path]
	l.mu.RUnlock()
	if ok {
		return cached, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var p *Policy
	switch {
	case strings.HasSuffix(path, ".rego"):
		p = parseRego(path, data)
	case strings.HasSuffix(path, ".json"):
		if p, err = parseJSON(path, data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported policy file: %s", path)
	}

	l.mu.Lock()
	l.cache[path] = p
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy loaded from file")
	return p, nil
}

// parseRego builds a Policy from a .rego file. The leading comment block is
// the description; "# severity: <level>" and "# tags: a, b" lines set
// those fields.
func parseRego(path string, data []byte) *Policy {
	now := time.Now()
	p := &Policy{
		Name:      strings.TrimSuffix(filepath.Base(path), ".rego"),
		Rego:      string(data),
		Severity:  SeverityError,
		Enabled:   true,
		Metadata:  map[string]interface{}{"source": path},
		CreatedAt: now,
		UpdatedAt: now,
	}

	var desc []string
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" {
				break
			}
			continue
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		switch {
		case strings.HasPrefix(comment, "severity:"):
			p.Severity = Severity(strings.TrimSpace(strings.TrimPrefix(comment, "severity:")))
		case strings.HasPrefix(comment, "tags:"):
			for _, tag := range strings.Split(strings.TrimPrefix(comment, "tags:"), ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					p.Tags = append(p.Tags, tag)
				}
			}
		case comment != "":
			desc = append(desc, comment)
		}
	}
	p.Description = strings.Join(desc, " ")
	return p
}

// parseJSON parses a JSON policy definition.
func parseJSON(path string, data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if p.Rego == "" {
		return nil, fmt.Errorf("JSON policy %s has no rego source", path)
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	return &p, nil
}

// LoadData reads a JSON policy data document. Numbers are kept as json.Number.
func (l *Loader) LoadData(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy data: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse policy data %s: %w", path, err)
	}
	l.logger.Info().Str("path", path).Int("documents", len(doc)).Msg("Policy data loaded")
	return doc, nil
}

// Watch starts watching paths and calls reloadFn with the full policy set
// after every change. It returns once the watcher is running.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}
		if !info.IsDir() {
			// Editors replace files, so the parent directory is watched.
			path = filepath.Dir(path)
		}
		err = filepath.WalkDir(path, func(dir string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return watcher.Add(dir)
			}
			return nil
		})
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch policy path")
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.processEvents(ctx, watcher, paths, reloadFn)

	l.logger.Info().Int("paths", len(paths)).Msg("Started watching policy paths")
	return nil
}

// processEvents debounces file events and triggers reloads.
func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isPolicyFile(event.Name) || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")

			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				if err := l.reload(ctx, paths, reloadFn); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// reload reloads all policies from the watched paths.
func (l *Loader) reload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}
	l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded successfully")
	return nil
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}

// ClearCache clears the policy cache.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]*Policy)
}
