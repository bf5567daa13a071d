package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/linktally/linktally/internal/query"
	"github.com/linktally/linktally/internal/store"
)

var (
	queryFamily       string
	queryOrg          int64
	queryCollections  string
	queryUsername     string
	queryProject      string
	queryFrom         string
	queryTo           string
	queryUserListOnly bool
	queryHotOnly      bool

	topDimension string
	topLimit     int
)

var totalsCmd = &cobra.Command{
	Use:   "totals",
	Short: "Sum added/removed links across hot and archived tiers",
	RunE: func(cmd *cobra.Command, args []string) error {
		family, err := parseFamily(queryFamily)
		if err != nil {
			return err
		}
		filter, err := buildFilter()
		if err != nil {
			return err
		}

		overlay, st, err := openOverlay(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		totals, err := overlay.Totals(cmd.Context(), family, filter)
		if err != nil {
			return err
		}
		fmt.Printf("added:   %d\nremoved: %d\nnet:     %d\n", totals.Added, totals.Removed, totals.Added-totals.Removed)
		return nil
	},
}

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Rank collections, users or pages by net links",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := buildFilter()
		if err != nil {
			return err
		}

		overlay, st, err := openOverlay(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		entries, err := overlay.TopN(cmd.Context(), filter, topDimension, topLimit)
		if err != nil {
			return err
		}
		for i, e := range entries {
			fmt.Printf("%3d. %-40s added=%d removed=%d net=%d\n", i+1, e.Key, e.Added, e.Removed, e.Diff)
		}
		return nil
	},
}

func buildFilter() (store.Filter, error) {
	ids, err := parseCollectionIDs(queryCollections)
	if err != nil {
		return store.Filter{}, err
	}
	from, err := parseDateFlag(queryFrom)
	if err != nil {
		return store.Filter{}, err
	}
	to, err := parseDateFlag(queryTo)
	if err != nil {
		return store.Filter{}, err
	}

	return store.Filter{
		OrganisationID: queryOrg,
		CollectionIDs:  ids,
		Username:       queryUsername,
		Project:        queryProject,
		DateFrom:       from,
		DateTo:         to,
		UserListOnly:   queryUserListOnly,
	}, nil
}

func openOverlay(cmd *cobra.Command) (*query.Overlay, *store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	if queryHotOnly {
		return query.NewOverlay(st, nil, cfg.Archive.AggregatePrefix), st, nil
	}

	reader, err := newReader(cmd.Context(), cfg)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return query.NewOverlay(st, reader, cfg.Archive.AggregatePrefix), st, nil
}

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&queryOrg, "org", 0, "restrict to one organisation id")
	cmd.Flags().StringVar(&queryCollections, "collections", "", "comma-separated collection ids")
	cmd.Flags().StringVar(&queryUsername, "username", "", "restrict to one username")
	cmd.Flags().StringVar(&queryProject, "project", "", "restrict to one wiki project")
	cmd.Flags().StringVar(&queryFrom, "from", "", "start date as YYYY-MM-DD")
	cmd.Flags().StringVar(&queryTo, "to", "", "end date as YYYY-MM-DD")
	cmd.Flags().BoolVar(&queryUserListOnly, "user-list-only", false, "count only edits by tracked users")
	cmd.Flags().BoolVar(&queryHotOnly, "hot-only", false, "skip archived blobs, query the hot store alone")
}

func init() {
	totalsCmd.Flags().StringVar(&queryFamily, "family", "link", "aggregate family: link, user or page")
	addFilterFlags(totalsCmd)

	topCmd.Flags().StringVar(&topDimension, "dimension", "collection_id", "ranking dimension: collection_id, username, project or page")
	topCmd.Flags().IntVar(&topLimit, "limit", 10, "number of entries to return (0 = all)")
	addFilterFlags(topCmd)

	rootCmd.AddCommand(totalsCmd, topCmd)
}
