package agent

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/hiveworks/hived/pkg/models"
	"github.com/hiveworks/hived/pkg/store"
)

// attachmentInlineLimit caps how much of a text attachment is inlined into
// the conversation. Larger files stay in the artifact store and the turn
// carries a pointer instead.
const attachmentInlineLimit = 16 * 1024

// formatIncoming renders a bus message as one user turn: a sender line, the
// body, then file attachments as fenced blocks. Image attachments come back
// separately so the LLM request can carry them as real image parts.
func formatIncoming(artifacts *store.ArtifactStore, msg *models.Message) (string, []models.Attachment) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[message from %s", msg.From)
	if msg.TaskID != "" {
		fmt.Fprintf(&sb, ", task %s", msg.TaskID)
	}
	sb.WriteString("]\n")
	sb.WriteString(msg.Content)

	var images []models.Attachment
	for _, att := range msg.Attachments {
		if att.Type == models.AttachmentImage {
			images = append(images, att)
			continue
		}
		sb.WriteString("\n\n")
		sb.WriteString(renderFileAttachment(artifacts, att))
	}
	return sb.String(), images
}

// renderFileAttachment inlines a text attachment or, for binary and oversized
// content, leaves a note with the artifact ref so the agent can fetch it.
func renderFileAttachment(artifacts *store.ArtifactStore, att models.Attachment) string {
	meta, content, err := artifacts.Get(att.Ref)
	name := att.Name
	if name == "" && err == nil && meta.Name != "" {
		name = meta.Name
	}
	if name == "" {
		name = att.Ref
	}
	if err != nil {
		return fmt.Sprintf("[attached file %q could not be loaded: %v]", name, err)
	}
	if meta.Binary {
		return fmt.Sprintf("[attached binary file %q (%s, %d bytes); fetch it with get_artifact ref %q]",
			name, meta.Mime, meta.Size, att.Ref)
	}

	body := string(content)
	note := ""
	if len(body) > attachmentInlineLimit {
		body = body[:attachmentInlineLimit]
		note = fmt.Sprintf("\n[attachment truncated: %d of %d bytes shown; fetch the rest with get_artifact ref %q]",
			attachmentInlineLimit, meta.Size, att.Ref)
	}
	return fmt.Sprintf("--- attached file: %s (%s) ---\n%s%s\n--- end of attached file ---", name, meta.Mime, body, note)
}

// imageURLs resolves every image attachment in the history to a base64 data
// URL. Refs that fail to load are skipped; the client degrades them to text
// notes.
func (h *Handler) imageURLs(turns []models.Turn) map[string]string {
	var urls map[string]string
	for _, turn := range turns {
		for _, img := range turn.Images {
			if img.Type != models.AttachmentImage {
				continue
			}
			if _, done := urls[img.Ref]; done {
				continue
			}
			meta, content, err := h.artifacts.Get(img.Ref)
			if err != nil {
				continue
			}
			if urls == nil {
				urls = make(map[string]string)
			}
			urls[img.Ref] = "data:" + meta.Mime + ";base64," + base64.StdEncoding.EncodeToString(content)
		}
	}
	return urls
}
