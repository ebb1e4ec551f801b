package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrPathTraversal is returned for absolute paths or paths escaping the
	// workspace root.
	ErrPathTraversal = errors.New("path escapes workspace")

	// ErrWorkspaceNotBound is returned when an agent has no workspace.
	ErrWorkspaceNotBound = errors.New("workspace not bound")

	// ErrFileNotFound is returned when a workspace file does not exist.
	ErrFileNotFound = errors.New("file not found")
)

// FileInfo is one entry in a workspace listing.
type FileInfo struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// WorkspaceMeta is persisted as workspaces/<owner>.meta.json.
type WorkspaceMeta struct {
	Owner     string              `json:"owner"`
	CreatedAt time.Time           `json:"createdAt"`
	Files     map[string]FileInfo `json:"files"`
}

// WorkspaceInfo summarizes a workspace for the get_workspace_info tool.
type WorkspaceInfo struct {
	Owner      string `json:"owner"`
	Root       string `json:"root"`
	FileCount  int    `json:"fileCount"`
	TotalBytes int64  `json:"totalBytes"`
}

// WorkspaceStore manages per-owner working directories under
// <dataRoot>/workspaces. An agent is bound to the workspace of its nearest
// ancestor that owns one; binding is decided by the lifecycle layer, and
// this store only knows owner ids.
type WorkspaceStore struct {
	mu    sync.Mutex
	root  string
	metas map[string]*WorkspaceMeta // lazily loaded
}

// NewWorkspaceStore creates the workspaces directory if needed.
func NewWorkspaceStore(dataRoot string) (*WorkspaceStore, error) {
	root := filepath.Join(dataRoot, "workspaces")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &WorkspaceStore{root: root, metas: make(map[string]*WorkspaceMeta)}, nil
}

// Ensure creates the owner's workspace directory (idempotent).
func (s *WorkspaceStore) Ensure(owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.ensureLocked(owner)
	return err
}

func (s *WorkspaceStore) ensureLocked(owner string) (*WorkspaceMeta, error) {
	if meta, ok := s.metas[owner]; ok {
		return meta, nil
	}
	// Pick up a meta file from a previous run before minting a new one.
	meta := &WorkspaceMeta{Owner: owner, CreatedAt: time.Now(), Files: make(map[string]FileInfo)}
	if err := LoadJSON(s.metaPath(owner), meta); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if meta.Files == nil {
		meta.Files = make(map[string]FileInfo)
	}
	if err := os.MkdirAll(s.Dir(owner), 0o755); err != nil {
		return nil, fmt.Errorf("create workspace for %s: %w", owner, err)
	}
	s.metas[owner] = meta
	return meta, nil
}

// Dir returns the absolute directory of the owner's workspace.
func (s *WorkspaceStore) Dir(owner string) string {
	return filepath.Join(s.root, owner)
}

// safePath joins rel under the owner's directory, rejecting absolute paths
// and any traversal outside the workspace.
func (s *WorkspaceStore) safePath(owner, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, rel)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, rel)
	}
	return filepath.Join(s.Dir(owner), clean), nil
}

// WriteFile writes content at rel inside the owner's workspace, creating
// parent directories and updating workspace metadata.
func (s *WorkspaceStore) WriteFile(owner, rel string, content []byte) (FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.ensureLocked(owner)
	if err != nil {
		return FileInfo{}, err
	}
	path, err := s.safePath(owner, rel)
	if err != nil {
		return FileInfo{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return FileInfo{}, fmt.Errorf("mkdir for %s: %w", rel, err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return FileInfo{}, fmt.Errorf("write %s: %w", rel, err)
	}

	info := FileInfo{Path: filepath.ToSlash(filepath.Clean(rel)), Size: int64(len(content)), ModifiedAt: time.Now()}
	meta.Files[info.Path] = info
	if err := SaveJSON(s.metaPath(owner), meta); err != nil {
		slog.Warn("Workspace meta flush failed", "owner", owner, "error", err)
	}
	return info, nil
}

// ReadFile reads rel from the owner's workspace.
func (s *WorkspaceStore) ReadFile(owner, rel string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.ensureLocked(owner); err != nil {
		return nil, err
	}
	path, err := s.safePath(owner, rel)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, rel)
		}
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	return content, nil
}

// ListFiles walks the owner's workspace and returns entries sorted by path.
// The walk is the source of truth; metadata is advisory.
func (s *WorkspaceStore) ListFiles(owner string) ([]FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.ensureLocked(owner); err != nil {
		return nil, err
	}
	dir := s.Dir(owner)
	var out []FileInfo
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, FileInfo{Path: filepath.ToSlash(rel), Size: fi.Size(), ModifiedAt: fi.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list workspace %s: %w", owner, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Info returns summary stats for the owner's workspace.
func (s *WorkspaceStore) Info(owner string) (WorkspaceInfo, error) {
	files, err := s.ListFiles(owner)
	if err != nil {
		return WorkspaceInfo{}, err
	}
	info := WorkspaceInfo{Owner: owner, Root: s.Dir(owner), FileCount: len(files)}
	for _, f := range files {
		info.TotalBytes += f.Size
	}
	return info, nil
}

func (s *WorkspaceStore) metaPath(owner string) string {
	return filepath.Join(s.root, owner+".meta.json")
}
