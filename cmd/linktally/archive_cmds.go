package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/linktally/linktally/internal/archive"
	"github.com/linktally/linktally/internal/config"
	"github.com/linktally/linktally/internal/lterrors"
	"github.com/linktally/linktally/internal/model"
	"github.com/linktally/linktally/internal/storage"
)

var (
	dumpAggFamily string
	dumpAggFrom   string
	dumpAggTo     string
	dumpAggOut    string
	dumpAggUpload bool

	dumpEventsOut    string
	dumpEventsUpload bool
)

var dumpAggregatesCmd = &cobra.Command{
	Use:   "dump-aggregates",
	Short: "Archive monthly aggregate rows to compressed blobs",
	Long: `Serializes monthly aggregate rows into compressed blobs under a staging
directory, optionally uploads them to cold storage, and deletes the source
rows only for partitions whose blobs are all durable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		startMonth, err := model.ParseYearMonth(dumpAggFrom)
		if err != nil {
			return err
		}
		endMonth := startMonth
		if dumpAggTo != "" {
			if endMonth, err = model.ParseYearMonth(dumpAggTo); err != nil {
				return err
			}
		}

		var families []model.Family
		if dumpAggFamily == "all" {
			families = model.Families()
		} else {
			family, err := parseFamily(dumpAggFamily)
			if err != nil {
				return err
			}
			families = []model.Family{family}
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		objStorage, err := dumpStorage(cmd.Context(), cfg, dumpAggUpload)
		if err != nil {
			return err
		}
		writer := archive.NewWriter(st, objStorage, writerConfig(cfg))
		outputDir := runDir(cfg, dumpAggOut)

		return newRunner(cfg).Run(cmd.Context(), "dump-aggregates", func(ctx context.Context) error {
			for _, family := range families {
				report, err := writer.DumpAggregates(ctx, family, startMonth, endMonth, outputDir, dumpAggUpload)
				if err != nil {
					return err
				}
				if err := reportFailures(report); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var dumpEventsCmd = &cobra.Command{
	Use:   "dump-events",
	Short: "Archive raw events already covered by all aggregate families",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		objStorage, err := dumpStorage(cmd.Context(), cfg, dumpEventsUpload)
		if err != nil {
			return err
		}
		writer := archive.NewWriter(st, objStorage, writerConfig(cfg))
		outputDir := runDir(cfg, dumpEventsOut)

		return newRunner(cfg).Run(cmd.Context(), "dump-events", func(ctx context.Context) error {
			report, err := writer.DumpEvents(ctx, outputDir, dumpEventsUpload)
			if err != nil {
				return err
			}
			return reportFailures(report)
		})
	},
}

var loadCmd = &cobra.Command{
	Use:   "load <blob-file>...",
	Short: "Re-insert archived aggregate rows into the hot store",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		return archive.NewLoader(st).Load(cmd.Context(), args)
	},
}

// dumpStorage opens object storage only when the run will upload; a
// local-only dump never touches the cold tier.
func dumpStorage(ctx context.Context, cfg *config.Config, upload bool) (storage.ObjectStorage, error) {
	if !upload {
		return nil, nil
	}
	return openStorage(ctx, cfg)
}

// runDir picks the output directory: the explicit flag, or a fresh
// per-run subdirectory of the staging area so concurrent dumps and
// leftover files from failed uploads never collide.
func runDir(cfg *config.Config, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return filepath.Join(cfg.Archive.StagingDir, uuid.NewString())
}

// reportFailures turns partial upload failures into a non-zero exit while
// leaving the completed work (uploaded blobs, deleted rows) in place.
func reportFailures(report *archive.Report) error {
	if len(report.Failed) == 0 {
		return nil
	}
	return lterrors.Newf(lterrors.CategoryUpload, lterrors.CodePartialUpload,
		"%d of %d blobs failed to upload; their files and source rows are retained", len(report.Failed), len(report.Blobs))
}

func init() {
	dumpAggregatesCmd.Flags().StringVar(&dumpAggFamily, "family", "all", "aggregate family: link, user, page or all")
	dumpAggregatesCmd.Flags().StringVar(&dumpAggFrom, "from", "", "first month to archive as YYYY-MM")
	dumpAggregatesCmd.Flags().StringVar(&dumpAggTo, "to", "", "last month to archive as YYYY-MM (default: same as --from)")
	dumpAggregatesCmd.Flags().StringVar(&dumpAggOut, "out", "", "output directory (default: fresh staging subdirectory)")
	dumpAggregatesCmd.Flags().BoolVar(&dumpAggUpload, "upload", false, "upload blobs to cold storage and delete archived rows")
	if err := dumpAggregatesCmd.MarkFlagRequired("from"); err != nil {
		panic(fmt.Sprintf("mark flag required: %v", err))
	}

	dumpEventsCmd.Flags().StringVar(&dumpEventsOut, "out", "", "output directory (default: fresh staging subdirectory)")
	dumpEventsCmd.Flags().BoolVar(&dumpEventsUpload, "upload", false, "upload blobs to cold storage and delete archived events")

	rootCmd.AddCommand(dumpAggregatesCmd, dumpEventsCmd, loadCmd)
}
