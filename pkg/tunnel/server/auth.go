package tunnelserver

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// CredentialSource validates a "user:pass" Basic credential presented by an
// agent during the Upgrade handshake (spec.md §4.6). It is swapped out
// wholesale by BasicAuthenticator.reloadFrom so that rotation never holds a
// lock across an I/O call.
type CredentialSource interface {
	// Validate reports whether the decoded "user:pass" string is accepted.
	Validate(decoded string) bool
}

// plaintextCredential compares byte-for-byte, per spec.md §4.6: "the server
// compares the decoded Basic credential byte-for-byte against it."
type plaintextCredential struct {
	expected string
}

func (c plaintextCredential) Validate(decoded string) bool {
	return subtle.ConstantTimeCompare([]byte(decoded), []byte(c.expected)) == 1
}

// hashedCredential supports TUNNEL_AUTH_HASH: the operator stores a bcrypt
// hash of "user:pass" instead of the plaintext value (DOMAIN STACK, bcrypt).
type hashedCredential struct {
	hash []byte
}

func (c hashedCredential) Validate(decoded string) bool {
	return bcrypt.CompareHashAndPassword(c.hash, []byte(decoded)) == nil
}

// BasicAuthenticator guards the /tunnel Upgrade endpoint with HTTP Basic
// auth. A nil *BasicAuthenticator (via NewBasicAuthenticator("")) means
// auth is disabled, matching spec.md §6 for an unset TUNNEL_AUTH.
type BasicAuthenticator struct {
	mu     sync.RWMutex
	source CredentialSource

	watcher *fsnotify.Watcher
	logger  *logrus.Entry
}

// NewBasicAuthenticator builds an authenticator from a static "user:pass"
// value. An empty string disables auth.
func NewBasicAuthenticator(userpass string) *BasicAuthenticator {
	if userpass == "" {
		return nil
	}
	return &BasicAuthenticator{source: plaintextCredential{expected: userpass}}
}

// NewHashedBasicAuthenticator builds an authenticator that accepts any
// "user:pass" whose bcrypt hash matches hash.
func NewHashedBasicAuthenticator(hash string) (*BasicAuthenticator, error) {
	if hash == "" {
		return nil, nil
	}
	return &BasicAuthenticator{source: hashedCredential{hash: []byte(hash)}}, nil
}

// Enabled reports whether authentication should be enforced.
func (a *BasicAuthenticator) Enabled() bool {
	return a != nil
}

// Validate checks the decoded "user:pass" credential under the read lock so
// a concurrent reload (see WatchFile) never races a handshake.
func (a *BasicAuthenticator) Validate(decoded string) bool {
	if a == nil {
		return true
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.source.Validate(decoded)
}

// WatchFile swaps the in-memory credential whenever path changes on disk,
// grounded on pkg/tsctl/start.go's use of fsnotify to learn about an
// external event without polling (DOMAIN STACK, fsnotify). The initial
// contents are loaded synchronously before the watcher starts.
func (a *BasicAuthenticator) WatchFile(path string, logger *logrus.Entry) error {
	if a == nil {
		return nil
	}
	a.logger = logger

	if err := a.reloadFrom(path); err != nil {
		return fmt.Errorf("revtun: initial credential load from %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("revtun: create credential watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("revtun: watch credential file %s: %w", path, err)
	}
	a.watcher = watcher

	go a.watchLoop(path)
	return nil
}

func (a *BasicAuthenticator) watchLoop(path string) {
	for {
		select {
		case event, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := a.reloadFrom(path); err != nil {
				a.logger.WithError(err).Warn("revtun: credential reload failed, keeping previous value")
				continue
			}
			a.logger.Info("revtun: reloaded tunnel credential from file")
		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			a.logger.WithError(err).Warn("revtun: credential watcher error")
		}
	}
}

func (a *BasicAuthenticator) reloadFrom(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	userpass := strings.TrimSpace(string(data))
	if userpass == "" {
		return fmt.Errorf("credential file %s is empty", path)
	}

	a.mu.Lock()
	a.source = plaintextCredential{expected: userpass}
	a.mu.Unlock()
	return nil
}

// Close stops the file watcher, if any.
func (a *BasicAuthenticator) Close() error {
	if a == nil || a.watcher == nil {
		return nil
	}
	return a.watcher.Close()
}

// DecodeBasicHeader extracts and base64-decodes the credential portion of
// an "Authorization: Basic <b64>" header value, returning the decoded
// "user:pass" string.
func DecodeBasicHeader(header string) (string, bool) {
	const prefix = "basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", false
	}
	return string(decoded), true
}
