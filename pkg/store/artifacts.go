package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// ErrArtifactNotFound is returned when an artifact reference resolves to nothing.
var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactMeta describes a stored artifact. Persisted as <id>.meta.json next
// to the content file.
type ArtifactMeta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Mime      string    `json:"mime"`
	Ext       string    `json:"ext,omitempty"`
	Size      int64     `json:"size"`
	Binary    bool      `json:"binary"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// contentPath returns the on-disk location of the artifact body.
func (m *ArtifactMeta) contentPath(root string) string {
	return filepath.Join(root, m.ID+m.Ext)
}

// ArtifactStore keeps shared blobs under <dataRoot>/artifacts. Content lives
// in <uuid><ext>; metadata in <uuid>.meta.json.
type ArtifactStore struct {
	mu   sync.Mutex
	root string
}

// NewArtifactStore creates the artifacts directory if needed.
func NewArtifactStore(dataRoot string) (*ArtifactStore, error) {
	root := filepath.Join(dataRoot, "artifacts")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &ArtifactStore{root: root}, nil
}

// Put stores content under a fresh id. Mime and binary-ness are sniffed from
// the content; name is advisory and keeps its extension when present.
func (s *ArtifactStore) Put(createdBy, name string, content []byte) (*ArtifactMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mt := mimetype.Detect(content)
	meta := &ArtifactMeta{
		ID:        uuid.NewString(),
		Name:      name,
		Mime:      mt.String(),
		Ext:       artifactExt(name, mt.Extension()),
		Size:      int64(len(content)),
		Binary:    isBinaryMime(mt),
		CreatedBy: createdBy,
		CreatedAt: time.Now(),
	}

	if err := os.WriteFile(meta.contentPath(s.root), content, 0o644); err != nil {
		return nil, fmt.Errorf("write artifact %s: %w", meta.ID, err)
	}
	if err := SaveJSON(s.metaPath(meta.ID), meta); err != nil {
		os.Remove(meta.contentPath(s.root))
		return nil, err
	}
	slog.Debug("Artifact stored",
		"artifact_id", meta.ID, "mime", meta.Mime, "size", meta.Size, "created_by", createdBy)
	return meta, nil
}

// Get returns metadata and content for an artifact id.
func (s *ArtifactStore) Get(id string) (*ArtifactMeta, []byte, error) {
	meta, err := s.Meta(id)
	if err != nil {
		return nil, nil, err
	}
	content, err := os.ReadFile(meta.contentPath(s.root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s (content missing)", ErrArtifactNotFound, id)
		}
		return nil, nil, fmt.Errorf("read artifact %s: %w", id, err)
	}
	return meta, content, nil
}

// Meta returns artifact metadata without loading the content.
func (s *ArtifactStore) Meta(id string) (*ArtifactMeta, error) {
	var meta ArtifactMeta
	if err := LoadJSON(s.metaPath(id), &meta); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
		}
		return nil, err
	}
	return &meta, nil
}

func (s *ArtifactStore) metaPath(id string) string {
	return filepath.Join(s.root, id+".meta.json")
}

// artifactExt prefers the uploaded name's extension, falling back to the
// sniffed one. mimetype returns extensions with a leading dot (or "").
func artifactExt(name, sniffed string) string {
	if ext := filepath.Ext(name); ext != "" && ext != "." {
		return ext
	}
	return sniffed
}

// isBinaryMime treats text/* and the common structured-text types as text.
func isBinaryMime(mt *mimetype.MIME) bool {
	for cur := mt; cur != nil; cur = cur.Parent() {
		if cur.Is("text/plain") {
			return false
		}
	}
	for _, textual := range []string{"application/json", "application/xml", "image/svg+xml"} {
		if mt.Is(textual) {
			return false
		}
	}
	return true
}
