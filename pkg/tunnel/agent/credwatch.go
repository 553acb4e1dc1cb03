package tunnelagent

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// credentialWatcher hot-reloads a "user:pass" Basic credential from disk,
// the agent-side counterpart to server/auth.go's BasicAuthenticator.WatchFile
// (both grounded on pkg/tsctl/start.go's fsnotify-based file watch). Unlike
// the server, which must validate a presented credential against a value
// that can change underneath it, the agent only ever reads its own
// credential to send outbound — so this just needs a mutex-guarded string
// the reconnect loop's authHeader() reads fresh on every handshake attempt.
type credentialWatcher struct {
	mu      sync.RWMutex
	current string

	watcher *fsnotify.Watcher
	logger  *logrus.Entry
}

// watchCredentialFile loads path's contents synchronously, then watches it
// for changes so a credential rotation never requires restarting the agent.
func watchCredentialFile(path string, logger *logrus.Entry) (*credentialWatcher, error) {
	w := &credentialWatcher{logger: logger}
	if err := w.reloadFrom(path); err != nil {
		return nil, fmt.Errorf("revtun: initial credential load from %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("revtun: create credential watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("revtun: watch credential file %s: %w", path, err)
	}
	w.watcher = watcher

	go w.watchLoop(path)
	return w, nil
}

func (w *credentialWatcher) watchLoop(path string) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.reloadFrom(path); err != nil {
				w.logger.WithError(err).Warn("revtun: credential reload failed, keeping previous value")
				continue
			}
			w.logger.Info("revtun: reloaded tunnel credential from file")
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("revtun: credential watcher error")
		}
	}
}

func (w *credentialWatcher) reloadFrom(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	userpass := strings.TrimSpace(string(data))
	if userpass == "" {
		return fmt.Errorf("credential file %s is empty", path)
	}

	w.mu.Lock()
	w.current = userpass
	w.mu.Unlock()
	return nil
}

// Current returns the most recently loaded "user:pass" credential.
func (w *credentialWatcher) Current() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the file watcher.
func (w *credentialWatcher) Close() error {
	if w == nil || w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}
