package client

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPullRoundTrip(t *testing.T) {
	s := newFakeServer(t)
	c := s.client(t)

	content := make([]byte, 1<<20)
	rand.New(rand.NewSource(42)).Read(content)

	err := c.Push(context.Background(), &PushOptions{
		Path:   "/data/blob.bin",
		Source: bytes.NewReader(content),
	})
	require.NoError(t, err)

	var pulled bytes.Buffer
	err = c.Pull(context.Background(), &PullOptions{
		Path:   "/data/blob.bin",
		Target: &pulled,
	})
	require.NoError(t, err)
	require.True(t, bytes.Equal(content, pulled.Bytes()), "pulled content differs from pushed content")
}

func TestPushFilesMixedResults(t *testing.T) {
	s := newFakeServer(t)
	c := s.client(t)

	results, err := c.PushFiles(context.Background(), []*PushOptions{
		{Path: "/data/ok.txt", Source: bytes.NewReader([]byte("fine"))},
		{Path: "/forbidden/no.txt", Source: bytes.NewReader([]byte("nope"))},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "/data/ok.txt", results[0].Path)
	assert.NoError(t, results[0].Err)

	assert.Equal(t, "/forbidden/no.txt", results[1].Path)
	var pathErr *PathError
	require.ErrorAs(t, results[1].Err, &pathErr)
	assert.Equal(t, PathErrorPermissionDenied, pathErr.Kind)
	assert.Equal(t, "/forbidden/no.txt", pathErr.Path)

	// The rejected sibling must not affect the good path.
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, []byte("fine"), s.files["/data/ok.txt"])
	assert.NotContains(t, s.files, "/forbidden/no.txt")
}

func TestPullMissingFile(t *testing.T) {
	s := newFakeServer(t)
	c := s.client(t)

	var sink bytes.Buffer
	err := c.Pull(context.Background(), &PullOptions{
		Path:   "/data/missing.txt",
		Target: &sink,
	})
	require.Error(t, err)
	var pathErr *PathError
	require.ErrorAs(t, err, &pathErr)
	assert.Equal(t, PathErrorNotFound, pathErr.Kind)
	assert.Zero(t, sink.Len())
}

func TestListFiles(t *testing.T) {
	s := newFakeServer(t)
	s.files["/data/a.txt"] = []byte("hello")
	c := s.client(t)

	infos, err := c.ListFiles(context.Background(), &ListFilesOptions{Path: "/data"})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "/data/a.txt", infos[0].Path)
	assert.Equal(t, "a.txt", infos[0].Name)
	assert.Equal(t, TypeFile, infos[0].Type)
	assert.Equal(t, int64(5), infos[0].Size)
	assert.Equal(t, os.FileMode(0o644), infos[0].Permissions)
}

func TestMakeDir(t *testing.T) {
	s := newFakeServer(t)
	c := s.client(t)

	err := c.MakeDir(context.Background(), &MakeDirOptions{Path: "/data/new", MakeParents: true})
	require.NoError(t, err)

	err = c.MakeDir(context.Background(), &MakeDirOptions{Path: "/forbidden/new"})
	var pathErr *PathError
	require.ErrorAs(t, err, &pathErr)
	assert.Equal(t, PathErrorPermissionDenied, pathErr.Kind)
}

func TestRemove(t *testing.T) {
	s := newFakeServer(t)
	s.files["/data/a.txt"] = []byte("hello")
	c := s.client(t)

	require.NoError(t, c.Remove(context.Background(), &RemoveOptions{Path: "/data/a.txt"}))
	s.mu.Lock()
	assert.NotContains(t, s.files, "/data/a.txt")
	s.mu.Unlock()

	err := c.Remove(context.Background(), &RemoveOptions{Path: "/data/a.txt"})
	var pathErr *PathError
	require.ErrorAs(t, err, &pathErr)
	assert.Equal(t, PathErrorNotFound, pathErr.Kind)
}
