package classify_test

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ekremunalytu/BasicFIM/internal/classify"
	"github.com/Ekremunalytu/BasicFIM/internal/config"
)

func patterns(exprs ...string) []config.Pattern {
	out := make([]config.Pattern, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, config.Pattern{ID: e, RE: regexp.MustCompile(e)})
	}
	return out
}

func writeTemp(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0644))
	return path
}

func TestScanCollectsAllMatches(t *testing.T) {
	m := classify.NewMatcher(1<<20, nil)
	path := writeTemp(t, "web.php", []byte(`<?php eval(base64_decode($_POST["x"])); ?>`))

	got := m.Scan(path, 43, patterns(`(?i)eval\s*\(`, `(?i)base64_decode`, `(?i)system\(`))
	assert.Equal(t, []string{`(?i)eval\s*\(`, `(?i)base64_decode`}, got,
		"every matching pattern reported, in declaration order")
}

func TestScanNoPatterns(t *testing.T) {
	m := classify.NewMatcher(1<<20, nil)
	path := writeTemp(t, "f.txt", []byte("eval"))
	assert.Nil(t, m.Scan(path, 4, nil))
}

func TestScanSkipsBinaryContent(t *testing.T) {
	m := classify.NewMatcher(1<<20, nil)

	// PNG magic bytes followed by pattern-shaped noise.
	content := append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, []byte("eval(")...)
	path := writeTemp(t, "img.png", content)
	assert.Nil(t, m.Scan(path, int64(len(content)), patterns(`eval\(`)))

	// NUL bytes disqualify content without a recognized signature too.
	content = []byte("eval(\x00\x00garbage")
	path = writeTemp(t, "blob.bin", content)
	assert.Nil(t, m.Scan(path, int64(len(content)), patterns(`eval\(`)))
}

func TestScanSkipsOversized(t *testing.T) {
	m := classify.NewMatcher(8, nil)
	path := writeTemp(t, "big.txt", []byte("eval eval eval"))
	assert.Nil(t, m.Scan(path, 14, patterns("eval")))
}

func TestScanUnreadableFile(t *testing.T) {
	m := classify.NewMatcher(1<<20, nil)
	assert.Nil(t, m.Scan(filepath.Join(t.TempDir(), "missing"), 10, patterns("eval")))
}
