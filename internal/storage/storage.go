// Package storage keeps attachment payloads on a filesystem.
package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// DefaultMaxFileSize is the largest attachment Put accepts.
const DefaultMaxFileSize = 100 << 20

// ErrTooLarge is returned by Put for payloads above the size limit.
var ErrTooLarge = errors.New("attachment exceeds size limit")

// Stored describes a written attachment.
type Stored struct {
	Path     string
	Size     int64
	Checksum string
}

// Local stores attachments under a root directory laid out as
// emails/<email id>/attachments/<attachment id>/<filename>.
type Local struct {
	fs          afero.Fs
	maxFileSize int64
}

// NewLocal returns storage rooted at dir on the OS filesystem.
func NewLocal(dir string, maxFileSize int64) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating attachment dir %s: %w", dir, err)
	}
	return NewLocalFs(afero.NewBasePathFs(afero.NewOsFs(), dir), maxFileSize), nil
}

// NewLocalFs returns storage on an arbitrary afero filesystem.
func NewLocalFs(fs afero.Fs, maxFileSize int64) *Local {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &Local{fs: fs, maxFileSize: maxFileSize}
}

// Put writes an attachment and returns its location and sha256 checksum.
func (l *Local) Put(emailID, attachmentID, filename string, content []byte) (*Stored, error) {
	if int64(len(content)) > l.maxFileSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, filename, len(content))
	}

	p := path.Join("emails", safeName(emailID), "attachments", safeName(attachmentID), safeFilename(filename))
	if err := l.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("creating attachment dir: %w", err)
	}
	if err := afero.WriteFile(l.fs, p, content, 0o644); err != nil {
		return nil, fmt.Errorf("writing attachment %s: %w", p, err)
	}

	sum := sha256.Sum256(content)
	return &Stored{Path: p, Size: int64(len(content)), Checksum: hex.EncodeToString(sum[:])}, nil
}

// Open returns a reader for a stored attachment.
func (l *Local) Open(p string) (io.ReadCloser, error) {
	if !strings.HasPrefix(path.Clean(p), "emails/") {
		return nil, fmt.Errorf("attachment path %q outside storage", p)
	}
	f, err := l.fs.Open(p)
	if err != nil {
		return nil, fmt.Errorf("opening attachment %s: %w", p, err)
	}
	return f, nil
}

// Verify recomputes the checksum of a stored attachment.
func (l *Local) Verify(p, checksum string) (bool, error) {
	data, err := afero.ReadFile(l.fs, p)
	if err != nil {
		return false, fmt.Errorf("reading attachment %s: %w", p, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) == checksum, nil
}

// DeleteEmail removes every attachment stored for an email.
func (l *Local) DeleteEmail(emailID string) error {
	p := path.Join("emails", safeName(emailID))
	if err := l.fs.RemoveAll(p); err != nil {
		return fmt.Errorf("removing attachments for %s: %w", emailID, err)
	}
	return nil
}

// safeName maps an identifier to a single path segment.
func safeName(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "_"
	}
	return out
}

// safeFilename keeps a readable filename but strips directory parts and
// characters that are unsafe on common filesystems.
func safeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.Map(func(r rune) rune {
		if r < ' ' || strings.ContainsRune(`<>:"/\|?*`, r) {
			return '_'
		}
		return r
	}, name)
	name = strings.Trim(name, ". ")
	if name == "" || name == "/" {
		return "attachment"
	}
	if len(name) > 200 {
		name = name[:200]
	}
	return name
}
