package api

import (
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"medibot/internal/models"
	"medibot/internal/service/ai"
)

const maxUploadBytes = 10 << 20

var allowedContentTypes = []string{
	"image/png",
	"image/jpeg",
	"image/webp",
	"image/gif",
	"application/pdf",
	"text/plain",
}

func isAllowedContentType(ct string) bool {
	for _, allowed := range allowedContentTypes {
		if strings.HasPrefix(ct, allowed) {
			return true
		}
	}
	return false
}

// uploadAttachment stores a file for a later chat request and returns the
// attachment reference to send with it.
func (h *Handler) uploadAttachment(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes+1<<20)
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	data, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read file failed"})
		return
	}
	contentType := http.DetectContentType(data)
	if !isAllowedContentType(contentType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type"})
		return
	}

	caller := h.caller(c)
	filename := filepath.Base(file.Filename)
	key := uploadPrefix(caller) + uuid.NewString() + strings.ToLower(filepath.Ext(filename))
	if err := h.objects.Put(c.Request.Context(), key, data, contentType); err != nil {
		h.logger.Error("store upload failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save file failed"})
		return
	}
	kind := ai.AttachmentTypeDocument
	if strings.HasPrefix(contentType, "image/") {
		kind = ai.AttachmentTypeImage
	}
	c.JSON(http.StatusCreated, models.Attachment{
		Filename:    filename,
		ContentType: contentType,
		Type:        kind,
		Key:         key,
	})
}
