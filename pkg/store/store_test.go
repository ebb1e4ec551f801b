package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveJSON_LoadJSON_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "doc.json")
	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, SaveJSON(path, doc{Name: "a", Count: 2}))

	var got doc
	require.NoError(t, LoadJSON(path, &got))
	require.Equal(t, doc{Name: "a", Count: 2}, got)

	// Missing files keep their os.ErrNotExist identity.
	err := LoadJSON(filepath.Join(t.TempDir(), "absent.json"), &got)
	require.True(t, os.IsNotExist(err))

	// No temp litter left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestArtifactStore_PutGet(t *testing.T) {
	s, err := NewArtifactStore(t.TempDir())
	require.NoError(t, err)

	meta, err := s.Put("root", "notes.txt", []byte("hello artifact"))
	require.NoError(t, err)
	require.NotEmpty(t, meta.ID)
	require.False(t, meta.Binary)
	require.Equal(t, ".txt", meta.Ext)
	require.Equal(t, "root", meta.CreatedBy)
	require.EqualValues(t, 14, meta.Size)

	got, content, err := s.Get(meta.ID)
	require.NoError(t, err)
	require.Equal(t, meta.ID, got.ID)
	require.Equal(t, "hello artifact", string(content))

	// Meta alone works too.
	m2, err := s.Meta(meta.ID)
	require.NoError(t, err)
	require.Equal(t, meta.Name, m2.Name)
}

func TestArtifactStore_BinaryDetection(t *testing.T) {
	s, err := NewArtifactStore(t.TempDir())
	require.NoError(t, err)

	// PNG header → binary, sniffed extension.
	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}
	meta, err := s.Put("root", "", png)
	require.NoError(t, err)
	require.True(t, meta.Binary)
	require.Equal(t, ".png", meta.Ext)

	// JSON is text even though it is application/*.
	meta, err = s.Put("root", "", []byte(`{"a": 1}`))
	require.NoError(t, err)
	require.False(t, meta.Binary)
}

func TestArtifactStore_NotFound(t *testing.T) {
	s, err := NewArtifactStore(t.TempDir())
	require.NoError(t, err)

	_, _, err = s.Get("nope")
	require.ErrorIs(t, err, ErrArtifactNotFound)
	_, err = s.Meta("nope")
	require.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestWorkspaceStore_WriteReadList(t *testing.T) {
	s, err := NewWorkspaceStore(t.TempDir())
	require.NoError(t, err)

	info, err := s.WriteFile("agent-1", "src/main.go", []byte("package main"))
	require.NoError(t, err)
	require.Equal(t, "src/main.go", info.Path)

	_, err = s.WriteFile("agent-1", "README.md", []byte("# hi"))
	require.NoError(t, err)

	content, err := s.ReadFile("agent-1", "src/main.go")
	require.NoError(t, err)
	require.Equal(t, "package main", string(content))

	files, err := s.ListFiles("agent-1")
	require.NoError(t, err)
	require.Len(t, files, 2)
	require.Equal(t, "README.md", files[0].Path)
	require.Equal(t, "src/main.go", files[1].Path)

	ws, err := s.Info("agent-1")
	require.NoError(t, err)
	require.Equal(t, 2, ws.FileCount)
	require.EqualValues(t, len("package main")+len("# hi"), ws.TotalBytes)
}

func TestWorkspaceStore_PathTraversalBlocked(t *testing.T) {
	s, err := NewWorkspaceStore(t.TempDir())
	require.NoError(t, err)

	for _, rel := range []string{"/etc/passwd", "../outside.txt", "a/../../outside.txt", ""} {
		_, err := s.ReadFile("agent-1", rel)
		require.ErrorIs(t, err, ErrPathTraversal, "path %q", rel)
		_, err = s.WriteFile("agent-1", rel, []byte("x"))
		require.ErrorIs(t, err, ErrPathTraversal, "path %q", rel)
	}

	// Interior .. that stays inside is fine.
	_, err = s.WriteFile("agent-1", "a/../inside.txt", []byte("ok"))
	require.NoError(t, err)
	content, err := s.ReadFile("agent-1", "inside.txt")
	require.NoError(t, err)
	require.Equal(t, "ok", string(content))
}

func TestWorkspaceStore_MissingFile(t *testing.T) {
	s, err := NewWorkspaceStore(t.TempDir())
	require.NoError(t, err)
	_, err = s.ReadFile("agent-1", "ghost.txt")
	require.ErrorIs(t, err, ErrFileNotFound)
}

func TestWorkspaceStore_MetaSurvivesReload(t *testing.T) {
	root := t.TempDir()
	s, err := NewWorkspaceStore(root)
	require.NoError(t, err)
	_, err = s.WriteFile("agent-1", "keep.txt", []byte("v1"))
	require.NoError(t, err)

	// Fresh store over the same root sees the same workspace.
	s2, err := NewWorkspaceStore(root)
	require.NoError(t, err)
	content, err := s2.ReadFile("agent-1", "keep.txt")
	require.NoError(t, err)
	require.Equal(t, "v1", string(content))

	var meta WorkspaceMeta
	require.NoError(t, LoadJSON(filepath.Join(root, "workspaces", "agent-1.meta.json"), &meta))
	require.Equal(t, "agent-1", meta.Owner)
	require.Contains(t, meta.Files, "keep.txt")
}
