package walker_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ekremunalytu/BasicFIM/internal/model"
	"github.com/Ekremunalytu/BasicFIM/internal/walker"
)

// setupTestDir creates a temporary directory structure for testing.
func setupTestDir(t *testing.T) string {
	t.Helper()

	tempDir := t.TempDir()
	dirs := []string{
		"subdir1",
		"subdir2",
		"subdir1/nested",
		".git",
	}
	files := []string{
		"file1.txt",
		"scratch.tmp",
		"subdir1/file2.txt",
		"subdir1/nested/file3.txt",
		"subdir2/file4.txt",
		".git/HEAD",
	}

	for _, dir := range dirs {
		require.NoError(t, os.Mkdir(filepath.Join(tempDir, dir), 0755))
	}
	for _, file := range files {
		require.NoError(t, os.WriteFile(filepath.Join(tempDir, file), []byte("content"), 0644))
	}
	return tempDir
}

// collect runs a walk and returns the visited paths relative to root.
func collect(t *testing.T, opts walker.Options) []string {
	t.Helper()

	var mu sync.Mutex
	var paths []string
	err := walker.Walk(context.Background(), opts, func(e walker.Entry) error {
		rel, err := filepath.Rel(opts.Root, e.Path)
		require.NoError(t, err)
		mu.Lock()
		paths = append(paths, rel)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	sort.Strings(paths)
	return paths
}

func TestWalkRecursive(t *testing.T) {
	root := setupTestDir(t)

	paths := collect(t, walker.Options{Root: root, Recursive: true})
	assert.Equal(t, []string{
		".git/HEAD",
		"file1.txt",
		"scratch.tmp",
		"subdir1/file2.txt",
		"subdir1/nested/file3.txt",
		"subdir2/file4.txt",
	}, paths)
}

func TestWalkNonRecursive(t *testing.T) {
	root := setupTestDir(t)

	paths := collect(t, walker.Options{Root: root, Recursive: false})
	assert.Equal(t, []string{"file1.txt", "scratch.tmp"}, paths)
}

func TestWalkExclusionPruning(t *testing.T) {
	root := setupTestDir(t)

	paths := collect(t, walker.Options{
		Root:           root,
		Recursive:      true,
		Excludes:       []string{"subdir1"},
		GlobalExcludes: []string{"*.tmp", ".git"},
	})
	assert.Equal(t, []string{"file1.txt", "subdir2/file4.txt"}, paths)
}

func TestWalkPathPrefixExclusion(t *testing.T) {
	root := setupTestDir(t)

	// Absolute-path exclusions prune the whole subtree, same as the
	// segment patterns the realtime matcher honors.
	paths := collect(t, walker.Options{
		Root:           root,
		Recursive:      true,
		Excludes:       []string{filepath.Join(root, "subdir1")},
		GlobalExcludes: []string{".git"},
	})
	assert.Equal(t, []string{"file1.txt", "scratch.tmp", "subdir2/file4.txt"}, paths)

	// A prefix exclusion also stops a file root from being emitted.
	var visited []string
	err := walker.Walk(context.Background(), walker.Options{
		Root:     filepath.Join(root, "file1.txt"),
		Excludes: []string{filepath.Join(root, "file1.txt")},
	}, func(e walker.Entry) error {
		visited = append(visited, e.Path)
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, visited)
}

func TestWalkSingleFileRoot(t *testing.T) {
	root := setupTestDir(t)
	target := filepath.Join(root, "file1.txt")

	var visited []string
	err := walker.Walk(context.Background(), walker.Options{Root: target}, func(e walker.Entry) error {
		visited = append(visited, e.Path)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{target}, visited)
}

func TestWalkMissingRootIsDiagnostic(t *testing.T) {
	var diags []model.Diagnostic
	var mu sync.Mutex
	err := walker.Walk(context.Background(), walker.Options{
		Root: filepath.Join(t.TempDir(), "does-not-exist"),
		OnDiag: func(d model.Diagnostic) {
			mu.Lock()
			diags = append(diags, d)
			mu.Unlock()
		},
	}, func(e walker.Entry) error { return nil })
	require.NoError(t, err, "inaccessible root is a diagnostic, not an error")
	require.Len(t, diags, 1)
	assert.Equal(t, "entry vanished", diags[0].Reason)
}

func TestWalkSymlinkCycle(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks not reliable on windows runners")
	}
	root := setupTestDir(t)
	// subdir1/loop -> root creates a cycle when links are followed.
	require.NoError(t, os.Symlink(root, filepath.Join(root, "subdir1", "loop")))

	paths := collect(t, walker.Options{
		Root:           root,
		Recursive:      true,
		FollowSymlinks: true,
	})
	// The cycle terminates and every real file is seen exactly once.
	assert.Len(t, paths, 6)
}

func TestWalkSkipsSymlinksWhenDisabled(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks not reliable on windows runners")
	}
	root := setupTestDir(t)
	require.NoError(t, os.Symlink(
		filepath.Join(root, "file1.txt"),
		filepath.Join(root, "link.txt")))

	paths := collect(t, walker.Options{Root: root, Recursive: false, FollowSymlinks: false})
	assert.Equal(t, []string{"file1.txt", "scratch.tmp"}, paths)
}

func TestWalkContextCancellation(t *testing.T) {
	root := setupTestDir(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := walker.Walk(ctx, walker.Options{Root: root, Recursive: true}, func(e walker.Entry) error {
		t.Fatal("no entries after cancellation")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
