package reliability

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newArchiveService(t *testing.T) *ArchiveService {
	t.Helper()
	return NewArchiveService(nil, t.TempDir(), zerolog.Nop())
}

func TestCalculateChecksum(t *testing.T) {
	svc := newArchiveService(t)

	path := filepath.Join(t.TempDir(), "checkpoint.msgpack")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0644))

	sum, err := svc.calculateChecksum(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sum, "sha256:"))

	// Same content, same checksum.
	again, err := svc.calculateChecksum(path)
	require.NoError(t, err)
	assert.Equal(t, sum, again)

	// Different content, different checksum.
	require.NoError(t, os.WriteFile(path, []byte("other"), 0644))
	changed, err := svc.calculateChecksum(path)
	require.NoError(t, err)
	assert.NotEqual(t, sum, changed)
}

func TestWriteMetadata(t *testing.T) {
	svc := newArchiveService(t)

	path := filepath.Join(t.TempDir(), "checkpoint-metadata.json")
	meta := ArchiveMetadata{
		Timestamp:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		SnapshotID: "snap-1",
		Filename:   "weights_snap-1.msgpack",
		SizeBytes:  42,
		Checksum:   "sha256:abc",
	}
	require.NoError(t, svc.writeMetadata(path, meta))

	b, err := os.ReadFile(path)
	require.NoError(t, err)

	var parsed ArchiveMetadata
	require.NoError(t, json.Unmarshal(b, &parsed))
	assert.Equal(t, meta.SnapshotID, parsed.SnapshotID)
	assert.Equal(t, meta.Checksum, parsed.Checksum)
	assert.True(t, parsed.Timestamp.Equal(meta.Timestamp))
}

func TestCreateArchive_RoundTrip(t *testing.T) {
	svc := newArchiveService(t)
	dir := t.TempDir()

	checkpoint := filepath.Join(dir, "weights_snap-1.msgpack")
	metadata := filepath.Join(dir, "checkpoint-metadata.json")
	require.NoError(t, os.WriteFile(checkpoint, []byte("network-bytes"), 0644))
	require.NoError(t, os.WriteFile(metadata, []byte(`{"snapshot_id":"snap-1"}`), 0644))

	archivePath := filepath.Join(dir, "fairval-checkpoint-2026-08-01-120000.tar.gz")
	require.NoError(t, svc.createArchive(archivePath, []string{checkpoint, metadata}))

	f, err := os.Open(archivePath)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	contents := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		b, err := io.ReadAll(tr)
		require.NoError(t, err)
		contents[hdr.Name] = string(b)
	}

	// Files are stored at their basenames.
	assert.Equal(t, "network-bytes", contents["weights_snap-1.msgpack"])
	assert.Equal(t, `{"snapshot_id":"snap-1"}`, contents["checkpoint-metadata.json"])
}
