package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/linktally/linktally/internal/model"
	"github.com/linktally/linktally/internal/rollup"
)

var (
	dailyFamily      string
	dailyCollections string

	monthlyMonth       string
	monthlyCollections string

	reaggOrg         int64
	reaggPeriod      string
	reaggSource      string
	reaggSkipMonthly bool
)

var dailyCmd = &cobra.Command{
	Use:   "daily",
	Short: "Fold new events into daily aggregate rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ids, err := parseCollectionIDs(dailyCollections)
		if err != nil {
			return err
		}

		families := model.Families()
		if dailyFamily != "all" {
			family, err := parseFamily(dailyFamily)
			if err != nil {
				return err
			}
			families = []model.Family{family}
		}

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		aggregator := rollup.NewDaily(st)
		return newRunner(cfg).Run(cmd.Context(), "daily-rollup", func(ctx context.Context) error {
			return aggregator.RunFamilies(ctx, families, ids...)
		})
	},
}

var monthlyCmd = &cobra.Command{
	Use:   "monthly",
	Short: "Compact a closed month's daily rows into monthly rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ids, err := parseCollectionIDs(monthlyCollections)
		if err != nil {
			return err
		}

		var month *model.YearMonth
		if monthlyMonth != "" {
			m, err := model.ParseYearMonth(monthlyMonth)
			if err != nil {
				return err
			}
			month = &m
		}

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		compactor := rollup.NewMonthly(st, cfg.Rollup.GuardDays, int64(cfg.Rollup.BatchSize))
		return newRunner(cfg).Run(cmd.Context(), "monthly-compaction", func(ctx context.Context) error {
			return compactor.Run(ctx, month, ids...)
		})
	},
}

var reaggregateCmd = &cobra.Command{
	Use:   "reaggregate",
	Short: "Rebuild an organisation's aggregates from archived event blobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if reaggOrg == 0 {
			return fmt.Errorf("--org is required")
		}
		if reaggSource == "" {
			return fmt.Errorf("--source is required")
		}
		period, err := model.ParsePeriod(reaggPeriod)
		if err != nil {
			return err
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

		reader, err := newReader(cmd.Context(), cfg)
		if err != nil {
			return err
		}

		reagg := rollup.NewReaggregator(st, reader, cfg.Archive.AggregatePrefix, cfg.Archive.EventPrefix)
		opts := rollup.ReaggregateOptions{SkipMonthly: reaggSkipMonthly}
		return newRunner(cfg).Run(cmd.Context(), "reaggregate", func(ctx context.Context) error {
			return reagg.Run(ctx, reaggOrg, period, reaggSource, opts)
		})
	},
}

func init() {
	dailyCmd.Flags().StringVar(&dailyFamily, "family", "all", "aggregate family: all, link, user or page")
	dailyCmd.Flags().StringVar(&dailyCollections, "collections", "", "comma-separated collection ids (default: all)")

	monthlyCmd.Flags().StringVar(&monthlyMonth, "month", "", "month to compact as YYYY-MM (default: oldest, guarded)")
	monthlyCmd.Flags().StringVar(&monthlyCollections, "collections", "", "comma-separated collection ids (default: all)")

	reaggregateCmd.Flags().Int64Var(&reaggOrg, "org", 0, "organisation id to rebuild")
	reaggregateCmd.Flags().StringVar(&reaggPeriod, "period", "", "period as YYYYMMDD or YYYY-MM")
	reaggregateCmd.Flags().StringVar(&reaggSource, "source", "", "directory holding archived event blob files")
	reaggregateCmd.Flags().BoolVar(&reaggSkipMonthly, "skip-monthly", false, "write daily rows even for a month period")

	rootCmd.AddCommand(dailyCmd, monthlyCmd, reaggregateCmd)
}
