package gitrepo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitAndHistory(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)
	ctx := context.Background()

	require.NoError(t, svc.Commit(ctx, "doc-1", "Hello"))
	_, err := os.Stat(filepath.Join(tempDir, "doc-1", ".git"))
	require.NoError(t, err, "repo directory")
	require.NoError(t, svc.Commit(ctx, "doc-1", "Hello World"))

	history, err := svc.History("doc-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)

	latest, err := svc.ContentAt("doc-1", history[0].Hash)
	require.NoError(t, err)
	assert.Equal(t, "Hello World", latest, "newest revision first")

	first, err := svc.ContentAt("doc-1", history[1].Hash)
	require.NoError(t, err)
	assert.Equal(t, "Hello", first)
}

func TestCommitSkipsUnchangedContent(t *testing.T) {
	svc := New(t.TempDir())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Commit(ctx, "doc-1", "same"))
	}
	history, err := svc.History("doc-1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestHistoryLimit(t *testing.T) {
	svc := New(t.TempDir())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Commit(ctx, "doc-1", fmt.Sprintf("v%d", i)))
	}
	history, err := svc.History("doc-1", 2)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestHistoryOfUnknownDocumentIsEmpty(t *testing.T) {
	svc := New(t.TempDir())
	history, err := svc.History("never-saved", 10)
	require.NoError(t, err)
	assert.Empty(t, history)

	_, err = svc.ContentAt("never-saved", "abc1234")
	assert.ErrorIs(t, err, ErrRevisionNotFound)
}

func TestDocumentIDsStayInsideBaseDir(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(filepath.Join(tempDir, "archive"))
	ctx := context.Background()

	assert.ErrorIs(t, svc.Commit(ctx, "..", "escape"), ErrInvalidDocumentID)
	require.NoError(t, svc.Commit(ctx, "../outside", "escape"))
	_, err := os.Stat(filepath.Join(tempDir, "outside"))
	assert.True(t, os.IsNotExist(err), "no directory outside the archive, got %v", err)
}

func TestConcurrentCommitsSameDocument(t *testing.T) {
	svc := New(t.TempDir())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs <- svc.Commit(ctx, "doc-1", fmt.Sprintf("content %d", n))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	history, err := svc.History("doc-1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 8)
}
