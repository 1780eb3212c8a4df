package simpleupload

import (
	"fmt"
	"io"
	"math"
	"mime"
	"path/filepath"
	"strings"
)

const (
	DefaultMaxFileSize int64 = 10 << 20
	DefaultMaxFiles          = 10
)

// Policy holds the per-file and per-request upload limits.
type Policy struct {
	// AllowedTypes maps a lower-case extension (with leading dot) to the
	// MIME types a file with that extension may declare.
	AllowedTypes map[string][]string
	MaxFileSize  int64
	MaxFiles     int
}

// DefaultPolicy accepts common web image formats up to 10 MiB, 10 files per request.
func DefaultPolicy() Policy {
	return Policy{
		AllowedTypes: map[string][]string{
			".jpg":  {"image/jpeg"},
			".jpeg": {"image/jpeg"},
			".png":  {"image/png"},
			".gif":  {"image/gif"},
			".webp": {"image/webp"},
		},
		MaxFileSize: DefaultMaxFileSize,
		MaxFiles:    DefaultMaxFiles,
	}
}

// Guard enforces a Policy on incoming files.
type Guard struct {
	policy Policy
}

// NewGuard normalizes the policy and returns a Guard for it.
func NewGuard(policy Policy) *Guard {
	if policy.MaxFileSize <= 0 {
		policy.MaxFileSize = DefaultMaxFileSize
	}
	if policy.MaxFiles <= 0 {
		policy.MaxFiles = DefaultMaxFiles
	}
	allowed := make(map[string][]string, len(policy.AllowedTypes))
	for ext, mimes := range policy.AllowedTypes {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		for _, m := range mimes {
			allowed[ext] = append(allowed[ext], strings.ToLower(m))
		}
	}
	policy.AllowedTypes = allowed
	return &Guard{policy: policy}
}

// Policy returns the normalized policy.
func (g *Guard) Policy() Policy {
	return g.policy
}

// Accept decides whether a file may be read at all. filesSoFar is the number
// of files already accepted in the same request.
func (g *Guard) Accept(filename, mimeType string, filesSoFar int) error {
	if filesSoFar >= g.policy.MaxFiles {
		return &ValidationError{
			Code:    CodeTooManyFiles,
			Message: fmt.Sprintf("Too many files (maximum %d)", g.policy.MaxFiles),
			File:    filename,
		}
	}

	ext := strings.ToLower(filepath.Ext(filename))
	mimes, ok := g.policy.AllowedTypes[ext]
	if !ok || ext == "" {
		return disallowed(filename)
	}

	declared, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return disallowed(filename)
	}
	for _, m := range mimes {
		if declared == m {
			return nil
		}
	}
	return disallowed(filename)
}

// Limit wraps r so that reading more than MaxFileSize bytes fails with a
// too_large ValidationError.
func (g *Guard) Limit(r io.Reader, filename string) io.Reader {
	return &limitedReader{r: r, remaining: g.policy.MaxFileSize, max: g.policy.MaxFileSize, filename: filename}
}

// requestOverhead covers multipart boundaries, part headers and text fields.
const requestOverhead int64 = 1 << 20

// MaxRequestBytes bounds the whole multipart body. It saturates at
// math.MaxInt64 instead of overflowing for very large limits.
func (g *Guard) MaxRequestBytes() int64 {
	files := int64(g.policy.MaxFiles)
	if g.policy.MaxFileSize > (math.MaxInt64-requestOverhead)/files {
		return math.MaxInt64
	}
	return files*g.policy.MaxFileSize + requestOverhead
}

func disallowed(filename string) error {
	return &ValidationError{
		Code:    CodeDisallowedType,
		Message: "Only image files are allowed!",
		File:    filename,
	}
}

type limitedReader struct {
	r         io.Reader
	remaining int64
	max       int64
	filename  string
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, l.tooLarge()
	}
	// Read one byte past the limit so an exactly-sized file is still accepted.
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n + int(l.remaining), l.tooLarge()
	}
	return n, err
}

func (l *limitedReader) tooLarge() error {
	return &ValidationError{
		Code:    CodeTooLarge,
		Message: fmt.Sprintf("File too large (maximum %d bytes)", l.max),
		File:    l.filename,
	}
}
