// Package settings holds the user's local preferences: who may ring us and
// which icon we announce. The file is plain JSON and is reloaded when edited.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/delta/internal/util"
)

var log = logging.Logger("delta/settings")

type AllowedPeers string

const (
	AllowEveryone  AllowedPeers = "everyone"
	AllowWhitelist AllowedPeers = "whitelist"
	AllowNone      AllowedPeers = "none"
)

func (a AllowedPeers) Valid() bool {
	switch a {
	case AllowEveryone, AllowWhitelist, AllowNone:
		return true
	}
	return false
}

const DefaultIconName = "driving-symbolic"

type Data struct {
	AllowedPeers AllowedPeers `json:"allowed_peers"`
	// Whitelist lists display names that may ring us in whitelist mode.
	Whitelist []string `json:"whitelist,omitempty"`
	IconName  string   `json:"icon_name"`
}

func Default() Data {
	return Data{
		AllowedPeers: AllowEveryone,
		IconName:     DefaultIconName,
	}
}

func (d Data) Validate() error {
	if !d.AllowedPeers.Valid() {
		return fmt.Errorf("allowed_peers: unknown mode %q", d.AllowedPeers)
	}
	if strings.TrimSpace(d.IconName) == "" {
		return errors.New("icon_name is required")
	}
	return nil
}

func (d Data) equal(o Data) bool {
	return d.AllowedPeers == o.AllowedPeers && d.IconName == o.IconName &&
		slices.Equal(d.Whitelist, o.Whitelist)
}

// Settings is the loaded settings file. It is safe for concurrent use.
type Settings struct {
	path string

	mu   sync.RWMutex
	data Data

	listeners util.Listeners[Data]
}

// Open loads path. A missing file yields the defaults without creating it.
func Open(path string) (*Settings, error) {
	s := &Settings{path: path, data: Default()}
	d, err := load(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Debugw("no settings file, using defaults", "path", path)
	case err != nil:
		return nil, err
	default:
		s.data = d
	}
	return s, nil
}

func load(path string) (Data, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Data{}, err
	}
	d := Default()
	if err := json.Unmarshal(util.StripBOM(b), &d); err != nil {
		return Data{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := d.Validate(); err != nil {
		return Data{}, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

func (s *Settings) Path() string { return s.path }

func (s *Settings) Data() Data {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := s.data
	d.Whitelist = slices.Clone(d.Whitelist)
	return d
}

// Set validates d, writes it to disk and notifies listeners.
func (s *Settings) Set(d Data) error {
	if err := d.Validate(); err != nil {
		return err
	}
	d.Whitelist = slices.Clone(d.Whitelist)
	if err := util.WriteJSONFile(s.path, d); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	s.replace(d)
	return nil
}

// replace swaps in d and emits it if it differs from what was there.
func (s *Settings) replace(d Data) {
	s.mu.Lock()
	changed := !s.data.equal(d)
	s.data = d
	s.mu.Unlock()
	if changed {
		s.listeners.Emit(d)
	}
}

// OnChange registers fn for every change, whether made through Set or by
// editing the file.
func (s *Settings) OnChange(fn func(Data)) (remove func()) {
	return s.listeners.Add(fn)
}

// IsAllowedPeer reports whether a peer announcing name may ring us.
func (s *Settings) IsAllowedPeer(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.data.AllowedPeers {
	case AllowEveryone:
		return true
	case AllowWhitelist:
		return slices.Contains(s.data.Whitelist, name)
	}
	return false
}

// Watch reloads the file whenever it changes on disk until ctx is done. A file
// that fails to parse is logged and the previous settings stay in effect.
func (s *Settings) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer w.Close()

	// Editors often replace the file, so watch the directory.
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	name := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			d, err := load(s.path)
			if err != nil {
				log.Warnw("settings reload failed", "path", s.path, "err", err)
				continue
			}
			log.Debugw("settings reloaded", "path", s.path)
			s.replace(d)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warnw("settings watcher error", "err", err)
		}
	}
}
