package archive

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

const (
	archivePrefix    = "ogp-results-"
	archiveSuffix    = ".tar.gz"
	archiveTimestamp = "2006-01-02-150405"

	// minArchivesToKeep bounds rotation: the newest archives survive
	// whatever the retention window says.
	minArchivesToKeep = 3
)

// Metadata describes one archive's contents.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
	SizeBytes int64     `json:"size_bytes"`
	Checksum  string    `json:"checksum"`
}

// ArchiveInfo describes one stored archive.
type ArchiveInfo struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
}

// Archiver snapshots the results database into object storage.
type Archiver struct {
	store   ObjectStore
	dbPath  string
	dataDir string
	log     zerolog.Logger
}

// NewArchiver creates an archiver for the database file at dbPath, staging
// archives under dataDir.
func NewArchiver(store ObjectStore, dbPath, dataDir string, log zerolog.Logger) *Archiver {
	return &Archiver{
		store:   store,
		dbPath:  dbPath,
		dataDir: dataDir,
		log:     log.With().Str("component", "archive").Logger(),
	}
}

// Archive snapshots the results database, wraps it with metadata in a
// tar.gz and uploads it.
func (a *Archiver) Archive(ctx context.Context) error {
	start := time.Now()

	stagingDir := filepath.Join(a.dataDir, "archive-staging")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	dbCopy := filepath.Join(stagingDir, "results.db")
	size, err := copyFile(a.dbPath, dbCopy)
	if err != nil {
		return fmt.Errorf("failed to snapshot results database: %w", err)
	}

	checksum, err := checksumFile(dbCopy)
	if err != nil {
		return fmt.Errorf("failed to checksum snapshot: %w", err)
	}

	metadataPath := filepath.Join(stagingDir, "metadata.json")
	if err := writeMetadata(metadataPath, Metadata{
		Timestamp: start.UTC(),
		Database:  "results",
		SizeBytes: size,
		Checksum:  checksum,
	}); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	key := archivePrefix + start.Format(archiveTimestamp) + archiveSuffix
	archivePath := filepath.Join(stagingDir, key)
	if err := createArchive(archivePath, map[string]string{
		"results.db":    dbCopy,
		"metadata.json": metadataPath,
	}); err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	if err := a.store.Upload(ctx, key, f, info.Size()); err != nil {
		return err
	}

	a.log.Info().
		Str("archive", key).
		Int64("size", info.Size()).
		Dur("duration", time.Since(start)).
		Msg("results archived")
	return nil
}

// List returns stored archives, newest first.
func (a *Archiver) List(ctx context.Context) ([]ArchiveInfo, error) {
	objects, err := a.store.List(ctx, archivePrefix)
	if err != nil {
		return nil, err
	}

	archives := make([]ArchiveInfo, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasPrefix(obj.Key, archivePrefix) || !strings.HasSuffix(obj.Key, archiveSuffix) {
			continue
		}
		ts := strings.TrimSuffix(strings.TrimPrefix(obj.Key, archivePrefix), archiveSuffix)
		timestamp, err := time.Parse(archiveTimestamp, ts)
		if err != nil {
			a.log.Warn().Str("key", obj.Key).Msg("archive key has no parseable timestamp")
			continue
		}
		archives = append(archives, ArchiveInfo{Key: obj.Key, Timestamp: timestamp, SizeBytes: obj.Size})
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].Timestamp.After(archives[j].Timestamp)
	})
	return archives, nil
}

// Rotate deletes archives older than the retention window, always keeping
// the newest few. A zero retention keeps everything.
func (a *Archiver) Rotate(ctx context.Context, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}

	archives, err := a.List(ctx)
	if err != nil {
		return err
	}
	if len(archives) <= minArchivesToKeep {
		return nil
	}

	cutoff := time.Now().Add(-retention)
	deleted := 0
	for i, archive := range archives {
		if i < minArchivesToKeep || !archive.Timestamp.Before(cutoff) {
			continue
		}
		if err := a.store.Delete(ctx, archive.Key); err != nil {
			a.log.Error().Err(err).Str("key", archive.Key).Msg("failed to delete old archive")
			continue
		}
		deleted++
	}

	if deleted > 0 {
		a.log.Info().Int("deleted", deleted).Msg("rotated old archives")
	}
	return nil
}

// Job adapts the archiver to the maintenance scheduler: each run uploads a
// fresh archive and rotates old ones.
type Job struct {
	archiver  *Archiver
	retention time.Duration
}

// NewJob creates the scheduled archive job.
func NewJob(archiver *Archiver, retention time.Duration) *Job {
	return &Job{archiver: archiver, retention: retention}
}

// Name returns the job name.
func (j *Job) Name() string {
	return "results_archive"
}

// Run archives the results database and rotates old archives.
func (j *Job) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := j.archiver.Archive(ctx); err != nil {
		return err
	}
	return j.archiver.Rotate(ctx, j.retention)
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	return io.Copy(out, in)
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeMetadata(path string, metadata Metadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metadata)
}

func createArchive(archivePath string, files map[string]string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer out.Close()

	gzw := gzip.NewWriter(out)
	defer gzw.Close()

	tw := tar.NewWriter(gzw)
	defer tw.Close()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := addFileToArchive(tw, files[name], name); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", name, err)
		}
	}
	return nil
}

func addFileToArchive(tw *tar.Writer, path, nameInArchive string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
