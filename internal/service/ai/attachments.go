package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"medibot/internal/models"
	"medibot/internal/objectstore"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"
)

const (
	AttachmentTypeImage    = "image"
	AttachmentTypeDocument = "document"

	// MaxAttachmentText bounds the extracted text inlined per document.
	MaxAttachmentText = 6000
)

var ErrAttachmentEmpty = errors.New("attachment has no content")

// AttachmentLoader turns request attachments into message parts. Documents are
// parsed to text with the eino file loader; images are passed as data URLs.
type AttachmentLoader struct {
	loader *file.FileLoader
	store  objectstore.Store
	tmpDir string
}

// NewAttachmentLoader builds a loader. store may be nil when attachments only
// arrive inline.
func NewAttachmentLoader(ctx context.Context, store objectstore.Store) (*AttachmentLoader, error) {
	parserExt, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("init attachment parser: %w", err)
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		return nil, fmt.Errorf("init attachment loader: %w", err)
	}
	return &AttachmentLoader{loader: loader, store: store, tmpDir: os.TempDir()}, nil
}

func (l *AttachmentLoader) payload(ctx context.Context, a models.Attachment) ([]byte, error) {
	if a.Data != "" {
		data := a.Data
		if i := strings.Index(data, ";base64,"); i >= 0 {
			data = data[i+len(";base64,"):]
		}
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", a.Filename, err)
		}
		return raw, nil
	}
	if a.Key != "" && l.store != nil {
		return l.store.Get(ctx, a.Key)
	}
	return nil, ErrAttachmentEmpty
}

// Text extracts the readable text of a document attachment.
func (l *AttachmentLoader) Text(ctx context.Context, a models.Attachment) (string, error) {
	raw, err := l.payload(ctx, a)
	if err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp(l.tmpDir, "medibot-attachment-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)

	// the ext parser dispatches on the file extension
	name := filepath.Base(a.Filename)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "attachment.txt"
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return "", err
	}

	docs, err := l.loader.Load(ctx, document.Source{URI: path})
	if err != nil {
		return "", fmt.Errorf("load %s: %w", a.Filename, err)
	}
	var builder strings.Builder
	for _, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		builder.WriteString(content)
		builder.WriteString("\n\n")
	}
	text := strings.TrimSpace(builder.String())
	if text == "" {
		return "", ErrAttachmentEmpty
	}
	if runes := []rune(text); len(runes) > MaxAttachmentText {
		text = string(runes[:MaxAttachmentText]) + "..."
	}
	return text, nil
}

// Parts renders attachments as message parts after the query text. Unreadable
// attachments are skipped and reported in the returned error list.
func (l *AttachmentLoader) Parts(ctx context.Context, query string, attachments []models.Attachment) ([]schema.ChatMessagePart, []error) {
	parts := []schema.ChatMessagePart{{Type: schema.ChatMessagePartTypeText, Text: query}}
	var errs []error
	for _, a := range attachments {
		switch a.Type {
		case AttachmentTypeImage:
			raw, err := l.payload(ctx, a)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			contentType := a.ContentType
			if contentType == "" {
				contentType = "image/jpeg"
			}
			parts = append(parts, schema.ChatMessagePart{
				Type: schema.ChatMessagePartTypeImageURL,
				ImageURL: &schema.ChatMessageImageURL{
					URL:      "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(raw),
					MIMEType: contentType,
				},
			})
		default:
			text, err := l.Text(ctx, a)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			parts = append(parts, schema.ChatMessagePart{
				Type: schema.ChatMessagePartTypeText,
				Text: fmt.Sprintf("Attached document %q:\n%s", a.Filename, text),
			})
		}
	}
	return parts, errs
}
