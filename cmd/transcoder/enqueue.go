package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"vodpipeline/internal/jobs"
	"vodpipeline/internal/storage"
)

type enqueueFlags struct {
	videoID      string
	sourceKey    string
	file         string
	attempts     int
	backoff      string
	backoffDelay time.Duration
}

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var f enqueueFlags
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a transcode job for an uploaded source",
		Long: "Queue a transcode job. Either point at an object already in storage with " +
			"--source-key or upload a local file with --file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (f.sourceKey == "") == (f.file == "") {
				return fmt.Errorf("exactly one of --source-key or --file is required")
			}
			return ctx.withBackends(cmd, func(s settings, b *backends, logger *slog.Logger) error {
				req := jobs.EnqueueRequest{
					VideoID:     f.videoID,
					SourceKey:   f.sourceKey,
					MaxAttempts: f.attempts,
					Backoff:     jobs.BackoffPolicy{Type: f.backoff, Delay: f.backoffDelay},
				}
				if f.file != "" {
					if s.StorageDriver != driverS3 {
						return fmt.Errorf("--file needs shared object storage: set --object-bucket or %sOBJECT_BUCKET", envPrefix)
					}
					id := uuid.NewString()
					key, err := uploadSource(cmd.Context(), b.store, f.file, id, logger)
					if err != nil {
						return err
					}
					req.SourceKey = key
					if strings.TrimSpace(req.VideoID) == "" {
						req.VideoID = id
					}
				}
				job, err := b.queue.Enqueue(cmd.Context(), req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued job %s for video %s (%s)\n", job.ID, job.VideoID, job.SourceKey)
				return nil
			})
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.videoID, "video-id", "", "video the renditions belong to (defaults to the upload id with --file)")
	fs.StringVar(&f.sourceKey, "source-key", "", "storage key of an already uploaded source")
	fs.StringVar(&f.file, "file", "", "local file to upload under raw_videos/ before queueing")
	fs.IntVar(&f.attempts, "attempts", 0, "maximum attempts before the job fails")
	fs.StringVar(&f.backoff, "backoff", "", "retry backoff (exponential or fixed)")
	fs.DurationVar(&f.backoffDelay, "backoff-delay", 0, "base retry delay")
	return cmd
}

// uploadSource stores the file at localPath under raw_videos/<id>-<name> and
// returns its key.
func uploadSource(ctx context.Context, store storage.ObjectStore, localPath, id string, logger *slog.Logger) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("inspect source: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", localPath)
	}
	key := storage.RawKey(id, filepath.Base(localPath))
	if err := store.Put(ctx, key, file, info.Size(), storage.ContentType(key)); err != nil {
		return "", fmt.Errorf("upload source: %w", err)
	}
	logger.Info("uploaded source", "key", key, "size", humanize.Bytes(uint64(info.Size())))
	return key, nil
}
