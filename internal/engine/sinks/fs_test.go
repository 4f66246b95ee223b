package sinks

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemSink_Write(t *testing.T) {
	fs := afero.NewMemMapFs()
	sink := NewFilesystemSink(fs)

	require.NoError(t, sink.Write(t.Context(), "cases/ir-1/host.tar.gz", strings.NewReader("archive")))
	require.NoError(t, sink.Close(t.Context()))

	data, err := afero.ReadFile(fs, "cases/ir-1/host.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "archive", string(data))
	assert.Equal(t, "filesystem", sink.Kind())

	exists, err := afero.Exists(fs, "cases/ir-1/host.tar.gz.partial")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFilesystemSink_RefusesOverwrite(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "host.zip", []byte("original"), 0o600))

	sink := NewFilesystemSink(fs)
	err := sink.Write(t.Context(), "host.zip", strings.NewReader("new"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "refusing to overwrite")

	data, err := afero.ReadFile(fs, "host.zip")
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestFilesystemSink_FailedWriteLeavesNothing(t *testing.T) {
	fs := afero.NewMemMapFs()
	sink := NewFilesystemSink(fs)

	err := sink.Write(t.Context(), "host.zip", failingReader{})
	require.Error(t, err)

	for _, name := range []string{"host.zip", "host.zip.partial"} {
		exists, err := afero.Exists(fs, name)
		require.NoError(t, err)
		assert.False(t, exists, name)
	}
}

func TestFilesystemSinkFromPath(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFilesystemSinkFromPath(dir + "/out")
	require.NoError(t, err)

	require.NoError(t, sink.Write(t.Context(), "host.zip", strings.NewReader("zip")))
	assert.FileExists(t, dir+"/out/host.zip")
}

func TestStreamSink_Write(t *testing.T) {
	var buf bytes.Buffer
	sink := NewStreamSink(&buf)

	require.NoError(t, sink.Write(t.Context(), "host.tar.gz", strings.NewReader("archive")))

	err := sink.Write(t.Context(), "other.tar.gz", strings.NewReader("more"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "host.tar.gz")

	assert.Equal(t, "archive", buf.String())
	assert.Equal(t, "stream", sink.Name())
}

func TestStreamSink_WriteCancelled(t *testing.T) {
	var buf bytes.Buffer
	sink := NewStreamSink(&buf)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := sink.Write(ctx, "host.tar.gz", strings.NewReader("archive"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}
