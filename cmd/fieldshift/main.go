package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/couchutil/fieldshift"
	"github.com/couchutil/fieldshift/errors"
	_ "github.com/couchutil/fieldshift/store/couchdb"
	"github.com/couchutil/fieldshift/store/registry"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		dbURL    string
		table    string
		oldField string
		newField string
		specFile string
		logLevel string
		dryRun   bool
		limit    int
		workers  int
		retries  int
	)
	cmd := &cobra.Command{
		Use:          "fieldshift",
		Short:        "rename a dotted field path across every document in a table",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			spec := fieldshift.RenameSpec{
				Table:  table,
				Source: oldField,
				Dest:   newField,
				Limit:  limit,
				DryRun: dryRun,
			}
			if specFile != "" {
				bits, err := os.ReadFile(specFile)
				if err != nil {
					return err
				}
				spec, err = fieldshift.SpecFromYAML(bits)
				if err != nil {
					return err
				}
			}
			logger, err := fieldshift.NewLogger(logLevel, map[string]any{
				"table": spec.Table,
			})
			if err != nil {
				return err
			}

			store, err := registry.Open("couchdb", map[string]interface{}{
				"url": dbURL,
			})
			if err != nil {
				return err
			}
			defer store.Close()

			info, err := store.Table(ctx, spec.Table)
			if err != nil {
				return err
			}
			spec.Partitioned = info.Partitioned

			migrator, err := fieldshift.NewMigrator(store, spec,
				fieldshift.WithLogger(logger),
				fieldshift.WithWorkers(workers),
				fieldshift.WithMaxRetries(retries),
			)
			if err != nil {
				return err
			}
			eventCtx, cancelEvents := context.WithCancel(ctx)
			defer cancelEvents()
			if err := migrator.OnEvent(eventCtx, func(e fieldshift.Event) (bool, error) {
				if e.Type == fieldshift.EventPageFetched {
					logger.Info(eventCtx, "fetched documents", map[string]interface{}{
						"fetched":   e.Fetched,
						"total":     e.Total,
						"partition": e.Partition,
					})
				}
				return true, nil
			}); err != nil {
				return err
			}

			summary, runErr := migrator.Run(ctx)
			cancelEvents()
			if err := migrator.Close(ctx); err != nil {
				logger.Warn(ctx, "failed to drain event subscribers", map[string]interface{}{
					"error": err.Error(),
				})
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(summary); err != nil {
				return err
			}
			if runErr != nil {
				return runErr
			}
			if !summary.OK() {
				return errors.New(errors.WriteFailed, "%d document(s) failed to migrate", summary.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&dbURL, "url", "u", "", "URL of the CouchDB database")
	cmd.Flags().StringVarP(&table, "table", "t", "", "name of the table (or document type)")
	cmd.Flags().StringVarP(&oldField, "old", "o", "", "old field path to be renamed (supports dot notation for nested fields)")
	cmd.Flags().StringVarP(&newField, "new", "n", "", "new field path to replace the old one")
	cmd.Flags().StringVarP(&specFile, "spec", "f", "", "load the rename spec from a yaml file instead of flags")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "preview changes without modifying the database")
	cmd.Flags().IntVarP(&limit, "limit", "l", fieldshift.DefaultLimit, "maximum number of documents to fetch per page")
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent document updates per page (default 10)")
	cmd.Flags().IntVar(&retries, "retries", 0, "conditional write retries on revision conflict (default 3)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	cmd.MarkFlagRequired("url")
	return cmd
}
