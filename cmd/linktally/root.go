package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/linktally/linktally/internal/archive"
	"github.com/linktally/linktally/internal/config"
	"github.com/linktally/linktally/internal/jobs"
	"github.com/linktally/linktally/internal/model"
	"github.com/linktally/linktally/internal/storage"
	"github.com/linktally/linktally/internal/store"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	flagConfig  string
	flagDataDir string
)

var rootCmd = &cobra.Command{
	Use:           "linktally",
	Short:         "Rollup and tiered archival engine for wiki external-link events",
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "base directory for all data files")
}

// loadConfig layers the configuration sources: defaults, file, environment,
// then flags.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if flagConfig != "" {
		loaded, err := config.LoadFromFile(flagConfig)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	return store.Open(cfg.Database.Path, cfg.Database.ReadPoolSize)
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.ObjectStorage, error) {
	switch cfg.Storage.Type {
	case "s3":
		return storage.NewS3Storage(ctx, cfg.Storage.Container, storage.S3Config{
			Region:       cfg.Storage.S3.Region,
			Endpoint:     cfg.Storage.S3.Endpoint,
			UsePathStyle: cfg.Storage.S3.UsePathStyle,
		})
	default:
		return storage.NewLocalStorage(cfg.Storage.Path)
	}
}

func newRunner(cfg *config.Config) *jobs.Runner {
	return jobs.NewRunner(cfg.Locks.Dir, cfg.Locks.WaitTimeout, jobs.DefaultRetryPolicy())
}

func newReader(ctx context.Context, cfg *config.Config) (*archive.Reader, error) {
	objStorage, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return archive.NewReader(objStorage, cfg.Archive.FetchCacheDir, cfg.Archive.ListTTL), nil
}

func writerConfig(cfg *config.Config) archive.WriterConfig {
	return archive.WriterConfig{
		AggregatePrefix:   cfg.Archive.AggregatePrefix,
		EventPrefix:       cfg.Archive.EventPrefix,
		UploadConcurrency: cfg.Archive.UploadConcurrency,
		MaxEventsPerBlob:  cfg.Archive.MaxEventsPerBlob,
	}
}

func parseCollectionIDs(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid collection id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseFamily(s string) (model.Family, error) {
	switch s {
	case "link":
		return model.FamilyLink, nil
	case "user":
		return model.FamilyUser, nil
	case "page":
		return model.FamilyPage, nil
	}
	return 0, fmt.Errorf("unknown family %q (want link, user or page)", s)
}

func parseDateFlag(s string) (model.Day, error) {
	if s == "" {
		return model.Day{}, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		return model.Day{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return model.DayOf(t), nil
}
