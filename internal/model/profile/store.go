package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/zhouzirui/z-relay/internal/model/chat"
)

// Store exposes read-only profile lookup for prompt building and the admin shell.
type Store interface {
	Find(userID int64) (Profile, bool)
	FindByUsername(username string) (Profile, bool)
	List() []Profile
}

// MemoryStore implements Store with an in-memory slice, used by tests.
type MemoryStore struct {
	items []Profile
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied profiles.
func NewMemoryStore(items []Profile) *MemoryStore {
	return &MemoryStore{items: append([]Profile(nil), items...)}
}

// List returns every profile.
func (s *MemoryStore) List() []Profile {
	return append([]Profile(nil), s.items...)
}

// Find looks up a profile by user id.
func (s *MemoryStore) Find(userID int64) (Profile, bool) {
	for _, item := range s.items {
		if item.UserID == userID {
			return item, true
		}
	}
	return Profile{}, false
}

// FindByUsername looks up a profile by username, ignoring case and a leading @.
func (s *MemoryStore) FindByUsername(username string) (Profile, bool) {
	want := NormalizeUsername(username)
	if want == "" {
		return Profile{}, false
	}
	for _, item := range s.items {
		if NormalizeUsername(item.Username) == want {
			return item, true
		}
	}
	return Profile{}, false
}

// FileStore reads user_<id>/profile.yaml files under a base directory on every call,
// so edits show up without a restart.
type FileStore struct {
	baseDir string
}

// NewFileStore returns a FileStore rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

// Load reads a single profile file. A missing file yields fs.ErrNotExist.
func (s *FileStore) Load(userID int64) (Profile, error) {
	path := filepath.Join(s.baseDir, chat.UserDirName(userID), FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if p.UserID == 0 {
		p.UserID = userID
	}
	return p, nil
}

// Find returns the profile for userID when one exists and parses.
func (s *FileStore) Find(userID int64) (Profile, bool) {
	p, err := s.Load(userID)
	if err != nil {
		return Profile{}, false
	}
	return p, true
}

// FindByUsername scans every user directory for a matching username.
func (s *FileStore) FindByUsername(username string) (Profile, bool) {
	want := NormalizeUsername(username)
	if want == "" {
		return Profile{}, false
	}
	for _, p := range s.List() {
		if NormalizeUsername(p.Username) == want {
			return p, true
		}
	}
	return Profile{}, false
}

// List returns all readable profiles ordered by user id.
func (s *FileStore) List() []Profile {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil
	}

	var out []Profile
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		userID, ok := chat.ParseUserDirName(entry.Name())
		if !ok {
			continue
		}
		p, err := s.Load(userID)
		if err != nil {
			// 没有资料文件或解析失败都直接跳过。
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
