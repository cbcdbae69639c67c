package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/user/portal-ingest/internal/adapter/postgres"
	"github.com/user/portal-ingest/internal/entity"
)

var (
	resetStatuses   []string
	resetCategories []string
	resetPeriods    []string
	resetAll        bool

	requeueID int64
)

var (
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postgres.Migrate(cfg.Database.DSN, log)
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Print tracked files per category and status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				rows, err := a.fileManager().Stats(ctx)
				if err != nil {
					return err
				}
				return printStats(cmd, rows)
			})
		},
	}

	resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Send matching records back to discovered, clearing their progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := entity.FileFilter{Categories: resetCategories, LegislativePeriods: resetPeriods}
			for _, raw := range resetStatuses {
				s, err := entity.ParseStatus(raw)
				if err != nil {
					return err
				}
				filter.Statuses = append(filter.Statuses, s)
			}
			if !resetAll && len(filter.Statuses) == 0 && len(filter.Categories) == 0 && len(filter.LegislativePeriods) == 0 {
				return errors.New("reset needs --status, --category, --period or --all")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				n, err := a.fileManager().Reset(ctx, filter)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %d records\n", n)
				return nil
			})
		},
	}

	requeueCmd = &cobra.Command{
		Use:   "requeue",
		Short: "Retry one record along its operator edge",
		RunE: func(cmd *cobra.Command, args []string) error {
			if requeueID < 1 {
				return errors.New("--id is required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				f, err := a.fileManager().Requeue(ctx, requeueID)
				if err != nil {
					return err
				}
				log.Info("requeued", zap.Int64("id", f.ID), zap.String("status", string(f.Status)))
				fmt.Fprintf(cmd.OutOrStdout(), "%d %s -> %s\n", f.ID, f.FileURL, f.Status)
				return nil
			})
		},
	}
)

func registerAdminCommands() {
	f := resetCmd.Flags()
	f.StringArrayVar(&resetStatuses, "status", nil, "status to reset (repeatable)")
	f.StringArrayVar(&resetCategories, "category", nil, "category to reset (repeatable)")
	f.StringArrayVar(&resetPeriods, "period", nil, "legislative period to reset (repeatable)")
	f.BoolVar(&resetAll, "all", false, "reset every record")

	requeueCmd.Flags().Int64Var(&requeueID, "id", 0, "tracked file id")

	rootCmd.AddCommand(migrateCmd, statusCmd, resetCmd, requeueCmd)
}

func printStats(cmd *cobra.Command, rows []entity.StatusCount) error {
	byCategory := make(map[string]map[entity.Status]int64)
	var categories []string
	for _, r := range rows {
		if _, ok := byCategory[r.Category]; !ok {
			byCategory[r.Category] = make(map[entity.Status]int64)
			categories = append(categories, r.Category)
		}
		byCategory[r.Category][r.Status] += r.Count
	}
	sort.Strings(categories)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprint(w, "CATEGORY")
	for _, s := range entity.AllStatuses {
		fmt.Fprintf(w, "\t%s", s)
	}
	fmt.Fprintln(w)
	for _, c := range categories {
		fmt.Fprint(w, c)
		for _, s := range entity.AllStatuses {
			fmt.Fprintf(w, "\t%d", byCategory[c][s])
		}
		fmt.Fprintln(w)
	}
	return w.Flush()
}
