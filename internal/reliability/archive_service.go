package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const archivePrefix = "fairval-checkpoint-"

// ArchiveService uploads deployed model checkpoints as tar.gz archives with
// a checksum manifest. Used by the trainer after a successful deploy;
// failures are reported but never roll back a deployment.
type ArchiveService struct {
	client  *S3Client
	dataDir string
	log     zerolog.Logger
}

// ArchiveMetadata describes the archived checkpoint.
type ArchiveMetadata struct {
	Timestamp  time.Time `json:"timestamp"`
	SnapshotID string    `json:"snapshot_id"`
	Filename   string    `json:"filename"`
	SizeBytes  int64     `json:"size_bytes"`
	Checksum   string    `json:"checksum"`
}

// ArchiveInfo represents one stored archive.
type ArchiveInfo struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// NewArchiveService creates an archive service. client may come from
// NewS3Client against any S3-compatible endpoint.
func NewArchiveService(client *S3Client, dataDir string, log zerolog.Logger) *ArchiveService {
	return &ArchiveService{
		client:  client,
		dataDir: dataDir,
		log:     log.With().Str("service", "checkpoint_archive").Logger(),
	}
}

// ArchiveCheckpoint packages the checkpoint file and its metadata into a
// tar.gz archive and uploads it.
func (s *ArchiveService) ArchiveCheckpoint(ctx context.Context, snapshotID string, checkpointPath string) error {
	s.log.Info().Str("snapshot_id", snapshotID).Msg("Starting checkpoint archive")
	startTime := time.Now()

	stagingDir := filepath.Join(s.dataDir, "archive-staging")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	info, err := os.Stat(checkpointPath)
	if err != nil {
		return fmt.Errorf("failed to stat checkpoint: %w", err)
	}

	checksum, err := s.calculateChecksum(checkpointPath)
	if err != nil {
		return fmt.Errorf("failed to calculate checksum: %w", err)
	}

	metadata := ArchiveMetadata{
		Timestamp:  time.Now().UTC(),
		SnapshotID: snapshotID,
		Filename:   filepath.Base(checkpointPath),
		SizeBytes:  info.Size(),
		Checksum:   checksum,
	}

	metadataPath := filepath.Join(stagingDir, "checkpoint-metadata.json")
	if err := s.writeMetadata(metadataPath, metadata); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02-150405")
	archiveName := fmt.Sprintf("%s%s.tar.gz", archivePrefix, timestamp)
	archivePath := filepath.Join(stagingDir, archiveName)

	if err := s.createArchive(archivePath, []string{checkpointPath, metadataPath}); err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	if err := s.client.Upload(ctx, archiveName, archiveFile); err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}

	s.log.Info().
		Dur("duration_ms", time.Since(startTime)).
		Str("archive", archiveName).
		Str("snapshot_id", snapshotID).
		Msg("Checkpoint archive completed")

	return nil
}

// ListArchives lists stored checkpoint archives, newest first.
func (s *ArchiveService) ListArchives(ctx context.Context) ([]ArchiveInfo, error) {
	objects, err := s.client.List(ctx, archivePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}

	archives := make([]ArchiveInfo, 0, len(objects))
	now := time.Now()

	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}

		key := *obj.Key
		if !strings.HasPrefix(key, archivePrefix) || !strings.HasSuffix(key, ".tar.gz") {
			continue
		}

		timestampStr := strings.TrimSuffix(strings.TrimPrefix(key, archivePrefix), ".tar.gz")
		timestamp, err := time.Parse("2006-01-02-150405", timestampStr)
		if err != nil {
			s.log.Warn().Str("key", key).Msg("Failed to parse timestamp from archive key")
			continue
		}

		var sizeBytes int64
		if obj.Size != nil {
			sizeBytes = *obj.Size
		}

		archives = append(archives, ArchiveInfo{
			Key:       key,
			Timestamp: timestamp,
			SizeBytes: sizeBytes,
			AgeHours:  int64(now.Sub(timestamp).Hours()),
		})
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].Timestamp.After(archives[j].Timestamp)
	})

	return archives, nil
}

// RotateOldArchives deletes archives older than the retention period.
// Keeps a minimum of 3 archives regardless of age; retentionDays 0 keeps
// everything beyond the minimum.
func (s *ArchiveService) RotateOldArchives(ctx context.Context, retentionDays int) error {
	archives, err := s.ListArchives(ctx)
	if err != nil {
		return fmt.Errorf("failed to list archives: %w", err)
	}

	const minArchivesToKeep = 3
	if len(archives) <= minArchivesToKeep {
		s.log.Info().Int("count", len(archives)).Msg("Too few archives to rotate")
		return nil
	}

	var cutoffTime time.Time
	if retentionDays > 0 {
		cutoffTime = time.Now().AddDate(0, 0, -retentionDays)
	}

	deletedCount := 0
	for i, archive := range archives {
		if i < minArchivesToKeep {
			continue
		}
		if retentionDays == 0 {
			continue
		}
		if archive.Timestamp.Before(cutoffTime) {
			if err := s.client.Delete(ctx, archive.Key); err != nil {
				s.log.Error().Err(err).Str("key", archive.Key).Msg("Failed to delete old archive")
				continue
			}
			deletedCount++
		}
	}

	s.log.Info().
		Int("deleted", deletedCount).
		Int("remaining", len(archives)-deletedCount).
		Msg("Archive rotation completed")

	return nil
}

// calculateChecksum calculates the SHA256 checksum of a file.
func (s *ArchiveService) calculateChecksum(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

// writeMetadata writes archive metadata to a JSON file.
func (s *ArchiveService) writeMetadata(path string, metadata ArchiveMetadata) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metadata)
}

// createArchive creates a tar.gz archive containing the given files at
// their basenames.
func (s *ArchiveService) createArchive(archivePath string, files []string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer gzipWriter.Close()

	tarWriter := tar.NewWriter(gzipWriter)
	defer tarWriter.Close()

	for _, path := range files {
		if err := s.addFileToArchive(tarWriter, path, filepath.Base(path)); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", filepath.Base(path), err)
		}
	}

	return nil
}

// addFileToArchive adds a single file to a tar archive.
func (s *ArchiveService) addFileToArchive(tarWriter *tar.Writer, filePath, nameInArchive string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}

	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}

	if _, err := io.Copy(tarWriter, file); err != nil {
		return err
	}

	return nil
}
