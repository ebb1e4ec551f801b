package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveworks/hived/pkg/models"
	"github.com/hiveworks/hived/pkg/store"
)

func newArtifacts(t *testing.T) *store.ArtifactStore {
	t.Helper()
	arts, err := store.NewArtifactStore(t.TempDir())
	require.NoError(t, err)
	return arts
}

func TestFormatIncomingInlinesTextAttachments(t *testing.T) {
	arts := newArtifacts(t)
	meta, err := arts.Put("root", "notes.txt", []byte("line one\nline two"))
	require.NoError(t, err)

	msg := &models.Message{
		ID: "m-1", From: "root", To: "worker-1", Content: "read the notes",
		TaskID: "t-42",
		Attachments: []models.Attachment{
			{Type: models.AttachmentFile, Ref: meta.ID, Name: "notes.txt"},
		},
	}
	content, images := formatIncoming(arts, msg)

	assert.Contains(t, content, "[message from root, task t-42]")
	assert.Contains(t, content, "read the notes")
	assert.Contains(t, content, "attached file: notes.txt")
	assert.Contains(t, content, "line one\nline two")
	assert.Empty(t, images)
}

func TestFormatIncomingSeparatesImagesAndNotesBinaries(t *testing.T) {
	arts := newArtifacts(t)
	// Real PNG magic so detection lands on an image type.
	png, err := arts.Put("root", "chart.png", []byte("\x89PNG\r\n\x1a\n000000"))
	require.NoError(t, err)
	bin, err := arts.Put("root", "blob.bin", []byte{0x00, 0x01, 0x02, 0xff, 0xfe})
	require.NoError(t, err)

	msg := &models.Message{
		ID: "m-2", From: "root", To: "worker-1", Content: "see attachments",
		Attachments: []models.Attachment{
			{Type: models.AttachmentImage, Ref: png.ID, Name: "chart.png"},
			{Type: models.AttachmentFile, Ref: bin.ID, Name: "blob.bin"},
		},
	}
	content, images := formatIncoming(arts, msg)

	require.Len(t, images, 1)
	assert.Equal(t, png.ID, images[0].Ref)
	assert.NotContains(t, content, "chart.png")
	assert.Contains(t, content, `attached binary file "blob.bin"`)
	assert.Contains(t, content, "get_artifact")
}

func TestFormatIncomingTruncatesOversizedAttachments(t *testing.T) {
	arts := newArtifacts(t)
	big := strings.Repeat("a", attachmentInlineLimit+100)
	meta, err := arts.Put("root", "big.txt", []byte(big))
	require.NoError(t, err)

	msg := &models.Message{
		ID: "m-3", From: "root", To: "worker-1", Content: "big one",
		Attachments: []models.Attachment{
			{Type: models.AttachmentFile, Ref: meta.ID},
		},
	}
	content, _ := formatIncoming(arts, msg)

	assert.Contains(t, content, "attachment truncated")
	assert.Less(t, len(content), attachmentInlineLimit+1024)
}

func TestFormatIncomingReportsMissingArtifacts(t *testing.T) {
	arts := newArtifacts(t)
	msg := &models.Message{
		ID: "m-4", From: "root", To: "worker-1", Content: "broken ref",
		Attachments: []models.Attachment{
			{Type: models.AttachmentFile, Ref: "art_missing", Name: "gone.txt"},
		},
	}
	content, _ := formatIncoming(arts, msg)
	assert.Contains(t, content, `attached file "gone.txt" could not be loaded`)
}
