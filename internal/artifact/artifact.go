// Package artifact stores rendered report files.
package artifact

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/zinspection/riskengine/internal/model"
)

// Storage persists artifact bytes under opaque keys. Open and Stat return an error
// wrapping apperr.ErrFileMissing when the key has no bytes behind it.
type Storage interface {
	Put(ctx context.Context, key, contentType string, r io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
	Stat(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) error
}

// Extension returns the file extension for a format.
func Extension(f model.ArtifactFormat) string {
	switch f {
	case model.FormatPDF:
		return "pdf"
	case model.FormatWord:
		return "docx"
	}
	return "bin"
}

// ContentType returns the MIME type for a format.
func ContentType(f model.ArtifactFormat) string {
	switch f {
	case model.FormatPDF:
		return "application/pdf"
	case model.FormatWord:
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	}
	return "application/octet-stream"
}

// NewKey returns a fresh object key for one artifact of a report version.
// The random component keeps regenerated versions from overwriting each other.
func NewKey(projectID string, version int, f model.ArtifactFormat) string {
	return fmt.Sprintf("projects/%s/v%d/%s.%s", safeSegment(projectID), version, uuid.NewString(), Extension(f))
}

func safeSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
	if s == "" {
		return "_"
	}
	return s
}
