package connectivity

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultSettleDelay = 300 * time.Millisecond

// DefaultWatchedFiles change when the host joins or leaves a network.
var DefaultWatchedFiles = []string{"/etc/resolv.conf", "/etc/hosts"}

// FileTrigger signals on C after any watched file changes and then stays quiet for the
// settle delay. Bursts of events collapse into one signal.
type FileTrigger struct {
	watcher     *fsnotify.Watcher
	files       map[string]struct{}
	settleDelay time.Duration
	logger      *zap.Logger
	signals     chan struct{}
}

// WatchFiles watches the parent directories of files. Directories that cannot be watched
// are skipped with a warning.
func WatchFiles(files []string, settleDelay time.Duration, logger *zap.Logger) (*FileTrigger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settleDelay <= 0 {
		settleDelay = defaultSettleDelay
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	trigger := &FileTrigger{
		watcher:     watcher,
		files:       make(map[string]struct{}, len(files)),
		settleDelay: settleDelay,
		logger:      logger,
		signals:     make(chan struct{}, 1),
	}
	watchedDirs := make(map[string]struct{})
	for _, file := range files {
		cleaned := filepath.Clean(file)
		trigger.files[cleaned] = struct{}{}
		dir := filepath.Dir(cleaned)
		if _, seen := watchedDirs[dir]; seen {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			logger.Warn("watch skipped", zap.String("dir", dir), zap.Error(err))
			continue
		}
		watchedDirs[dir] = struct{}{}
	}
	return trigger, nil
}

// C delivers one value per settled burst of changes.
func (trigger *FileTrigger) C() <-chan struct{} {
	return trigger.signals
}

// Run dispatches watcher events until ctx is done and then closes the watcher.
func (trigger *FileTrigger) Run(ctx context.Context) error {
	defer trigger.watcher.Close()
	ticker := time.NewTicker(trigger.settleDelay / 2)
	defer ticker.Stop()

	var pendingSince time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-trigger.watcher.Events:
			if !ok {
				return nil
			}
			if _, watched := trigger.files[filepath.Clean(event.Name)]; !watched {
				continue
			}
			pendingSince = time.Now()
		case <-ticker.C:
			if pendingSince.IsZero() || time.Since(pendingSince) < trigger.settleDelay {
				continue
			}
			pendingSince = time.Time{}
			select {
			case trigger.signals <- struct{}{}:
			default:
			}
		case err, ok := <-trigger.watcher.Errors:
			if !ok {
				return nil
			}
			trigger.logger.Warn("watch error", zap.Error(err))
		}
	}
}
