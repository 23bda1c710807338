// Package upload spools multipart file parts to local disk so oversized
// payloads are rejected before a byte reaches the upstream, and forwarding
// can stream from disk instead of buffering in memory.
package upload

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/l0p7/tollgate/internal/httperr"
)

// Manager writes incoming files under its base directory, one subdirectory
// per tenant.
type Manager struct {
	dir      string
	maxBytes int64
	allowed  map[string]struct{}
}

// SpooledFile is one accepted upload sitting on disk.
type SpooledFile struct {
	Path         string
	OriginalName string
	Size         int64
}

// NewManager builds a spool rooted at dir. Extensions are compared without
// the leading dot, case-insensitively.
func NewManager(dir string, maxBytes int64, allowedExtensions []string) (*Manager, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("upload: spool directory required")
	}
	if maxBytes <= 0 {
		return nil, fmt.Errorf("upload: max bytes must be positive")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("upload: create spool directory: %w", err)
	}
	allowed := make(map[string]struct{}, len(allowedExtensions))
	for _, ext := range allowedExtensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			allowed[ext] = struct{}{}
		}
	}
	return &Manager{dir: dir, maxBytes: maxBytes, allowed: allowed}, nil
}

// Spool validates the file name and streams r to disk. The size cap is
// enforced while copying; equal to the cap passes, one byte over rejects.
func (m *Manager) Spool(tenantID, filename string, r io.Reader) (*SpooledFile, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if _, ok := m.allowed[ext]; !ok {
		return nil, httperr.Validation(
			"The uploaded file type is not allowed.",
			httperr.FieldError{Field: "file", Message: fmt.Sprintf("files of type %q are not accepted", ext)},
		)
	}

	tenantDir := filepath.Join(m.dir, tenantSegment(tenantID))
	if err := os.MkdirAll(tenantDir, 0o755); err != nil {
		return nil, httperr.Wrap(httperr.InternalServerError, "An unexpected error occurred.", err)
	}

	path := filepath.Join(tenantDir, uuid.NewString()+extSuffix(ext))
	out, err := os.Create(path)
	if err != nil {
		return nil, httperr.Wrap(httperr.InternalServerError, "An unexpected error occurred.", err)
	}

	written, err := io.Copy(out, io.LimitReader(r, m.maxBytes+1))
	closeErr := out.Close()
	if err != nil || closeErr != nil {
		_ = os.Remove(path)
		if err == nil {
			err = closeErr
		}
		return nil, httperr.Wrap(httperr.InternalServerError, "An unexpected error occurred.", err)
	}
	if written > m.maxBytes {
		_ = os.Remove(path)
		return nil, httperr.New(httperr.PayloadTooLarge, "The uploaded file exceeds the maximum allowed size.")
	}

	return &SpooledFile{Path: path, OriginalName: filepath.Base(filename), Size: written}, nil
}

// Open returns a reader over the spooled bytes.
func (f *SpooledFile) Open() (io.ReadCloser, error) {
	return os.Open(f.Path)
}

// Cleanup removes the spooled file. Safe to call whether or not forwarding
// succeeded.
func (f *SpooledFile) Cleanup() {
	if f == nil || f.Path == "" {
		return
	}
	_ = os.Remove(f.Path)
}

func tenantSegment(tenantID string) string {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "global"
	}
	// Tenant ids become directory names; squash anything path-like.
	var b strings.Builder
	for _, r := range tenantID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func extSuffix(ext string) string {
	if ext == "" {
		return ""
	}
	return "." + ext
}
