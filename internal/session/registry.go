// Package session tracks connected PBX sessions in memory and persists
// connection profiles (sans tokens) to disk for reuse across runs.
package session

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/pbxops/pbxprov/internal/models"
)

// ProfileKey derives the stable identifier of a session from its endpoint
// and client id. The same endpoint and credentials always map to the same
// key, so reconnecting replaces the session instead of duplicating it.
func ProfileKey(baseURL, clientID string) string {
	sum := sha1.Sum([]byte(baseURL + "|" + clientID))
	return hex.EncodeToString(sum[:])[:12]
}

// Registry holds the live sessions of one process.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*models.Session)}
}

// Put stores a session under its key, replacing any previous session with
// the same key.
func (r *Registry) Put(s *models.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.Key] = s
}

// Get returns the session for key, or an error naming the known keys.
func (r *Registry) Get(key string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	if !ok {
		return nil, fmt.Errorf("no session %q (known: %v)", key, r.keysLocked())
	}
	return s, nil
}

// Delete removes a session. Removing an unknown key is a no-op.
func (r *Registry) Delete(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, key)
}

// Keys lists the session keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keysLocked()
}

func (r *Registry) keysLocked() []string {
	keys := make([]string, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ProfileStore persists connection profiles as one JSON file. Tokens never
// reach disk: the Session struct excludes them from serialization.
type ProfileStore struct {
	path string
}

func NewProfileStore(path string) *ProfileStore { return &ProfileStore{path: path} }

// Load reads all saved profiles. A missing file is an empty store.
func (p *ProfileStore) Load() (map[string]*models.Session, error) {
	raw, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return map[string]*models.Session{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	profiles := map[string]*models.Session{}
	if err := json.Unmarshal(raw, &profiles); err != nil {
		return nil, fmt.Errorf("parse profiles %s: %w", p.path, err)
	}
	return profiles, nil
}

// Save writes all profiles atomically: temp file in the same directory,
// then rename. A crash mid-write never corrupts the existing file.
func (p *ProfileStore) Save(profiles map[string]*models.Session) error {
	raw, err := json.MarshalIndent(profiles, "", "  ")
	if err != nil {
		return fmt.Errorf("encode profiles: %w", err)
	}
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".profiles-*")
	if err != nil {
		return fmt.Errorf("create temp profile file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write profiles: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod profiles: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close profiles: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		return fmt.Errorf("replace profiles: %w", err)
	}
	log.Debug().Str("path", p.path).Int("profiles", len(profiles)).Msg("profiles saved")
	return nil
}

// Upsert stores one profile under its key and persists the store.
func (p *ProfileStore) Upsert(s *models.Session) error {
	profiles, err := p.Load()
	if err != nil {
		return err
	}
	profiles[s.Key] = s
	return p.Save(profiles)
}

// Remove deletes one profile by key. Unknown keys are reported.
func (p *ProfileStore) Remove(key string) error {
	profiles, err := p.Load()
	if err != nil {
		return err
	}
	if _, ok := profiles[key]; !ok {
		return fmt.Errorf("no saved profile %q", key)
	}
	delete(profiles, key)
	return p.Save(profiles)
}
