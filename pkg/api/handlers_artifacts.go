package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hiveworks/hived/pkg/models"
	"github.com/hiveworks/hived/pkg/store"
)

// maxUploadBytes caps a single artifact upload.
const maxUploadBytes = 32 << 20

// handleUploadArtifact accepts a multipart upload (field "file", optional
// "name" override) and stores it as an artifact owned by the user principal.
func (s *Server) handleUploadArtifact(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field \"file\" is required: " + err.Error()})
		return
	}
	if file.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("upload exceeds %d bytes", maxUploadBytes),
		})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer src.Close()
	content, err := io.ReadAll(io.LimitReader(src, maxUploadBytes+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(content) > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("upload exceeds %d bytes", maxUploadBytes),
		})
		return
	}

	name := c.PostForm("name")
	if name == "" {
		name = file.Filename
	}
	meta, err := s.artifacts.Put(models.AgentUser, name, content)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, ArtifactUploaded{
		Ref:    meta.ID,
		Name:   meta.Name,
		Mime:   meta.Mime,
		Size:   meta.Size,
		Binary: meta.Binary,
	})
}

func (s *Server) handleGetArtifactContent(c *gin.Context) {
	id := c.Param("id")
	meta, content, err := s.artifacts.Get(id)
	if err != nil {
		s.artifactError(c, id, err)
		return
	}
	if meta.Name != "" {
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.Name))
	}
	c.Data(http.StatusOK, meta.Mime, content)
}

func (s *Server) handleGetArtifactMeta(c *gin.Context) {
	id := c.Param("id")
	meta, err := s.artifacts.Meta(id)
	if err != nil {
		s.artifactError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (s *Server) artifactError(c *gin.Context, id string, err error) {
	if errors.Is(err, store.ErrArtifactNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "artifact not found", "ref": id})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
