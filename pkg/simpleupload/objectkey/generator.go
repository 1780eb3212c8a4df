package objectkey

import (
	"fmt"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// maxNameLength bounds the sanitized part of a generated key.
const maxNameLength = 100

// Generator defines the interface for stored-name generation strategies
type Generator interface {
	// GenerateKey returns a new unique object key for a client-supplied file name
	GenerateKey(originalName string) string
}

// TimestampGenerator produces "<unix-millis>-<random hex>-<sanitized name>".
// The random component comes from a v4 UUID, so concurrent writers never
// need to coordinate to avoid collisions.
type TimestampGenerator struct {
	Now func() time.Time
}

func NewTimestampGenerator() *TimestampGenerator {
	return &TimestampGenerator{Now: time.Now}
}

func (g *TimestampGenerator) GenerateKey(originalName string) string {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%d-%s-%s", now().UnixMilli(), suffix, SanitizeFilename(originalName))
}

// SanitizeFilename reduces an attacker-controlled file name to a single safe
// path component: directory parts and traversal sequences are dropped, and
// separators, control characters and shell/reserved punctuation become "_".
func SanitizeFilename(filename string) string {
	// Normalize Windows separators before taking the base name.
	name := strings.ReplaceAll(filename, "\\", "/")
	name = path.Base(path.Clean("/" + name))

	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == ':' || r == '*' || r == '?' || r == '"' ||
			r == '<' || r == '>' || r == '|' || r == ' ' || r == '%':
			b.WriteRune('_')
		case unicode.IsControl(r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	name = b.String()

	for strings.Contains(name, "..") {
		name = strings.ReplaceAll(name, "..", ".")
	}
	name = strings.TrimLeft(name, ".")

	if len(name) > maxNameLength {
		ext := path.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = truncate(name[:len(name)-len(ext)], maxNameLength-len(ext)) + ext
	}
	if name == "" || name == "_" {
		return "file"
	}
	return name
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// ValidKey reports whether key is a single, non-traversing path component,
// which is the only shape a generator in this package produces.
func ValidKey(key string) bool {
	if key == "" || key == "." || key == ".." {
		return false
	}
	return !strings.ContainsAny(key, "/\\\x00")
}

// NewRecommendedGenerator returns the generator used by default
func NewRecommendedGenerator() Generator {
	return NewTimestampGenerator()
}
