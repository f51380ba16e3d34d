package classify

import (
	"os"
	"unicode/utf8"

	"github.com/h2non/filetype"
	"go.uber.org/zap"

	"github.com/Ekremunalytu/BasicFIM/internal/config"
)

const sniffLen = 512

// Matcher scans new or changed content for rule-declared text patterns.
// Non-text and oversized entries are skipped silently (diagnostic log,
// never an error): a binary blob matching "eval" byte-wise is noise, not
// signal.
type Matcher struct {
	MaxFileSize int64
	logger      *zap.Logger
}

// NewMatcher bounds content reads at maxFileSize bytes.
func NewMatcher(maxFileSize int64, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{MaxFileSize: maxFileSize, logger: logger}
}

// Scan applies the rule's patterns in order against the file content and
// returns the identifiers of every pattern that matched in this pass.
func (m *Matcher) Scan(path string, size int64, patterns []config.Pattern) []string {
	if len(patterns) == 0 {
		return nil
	}
	if m.MaxFileSize > 0 && size > m.MaxFileSize {
		m.logger.Debug("content match skipped, file too large",
			zap.String("path", path), zap.Int64("size", size))
		return nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		m.logger.Debug("content match skipped, unreadable",
			zap.String("path", path), zap.Error(err))
		return nil
	}
	if !isText(content) {
		m.logger.Debug("content match skipped, not text-readable",
			zap.String("path", path))
		return nil
	}

	var matched []string
	for _, p := range patterns {
		if p.RE.Match(content) {
			matched = append(matched, p.ID)
		}
	}
	return matched
}

// isText sniffs the leading bytes: anything with a recognized binary
// signature, a NUL byte, or invalid UTF-8 in the head is not pattern
// material.
func isText(content []byte) bool {
	head := content
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	if t, err := filetype.Match(head); err == nil && t != filetype.Unknown {
		return false
	}
	for _, b := range head {
		if b == 0 {
			return false
		}
	}
	return utf8.Valid(head)
}
