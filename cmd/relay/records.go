package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/raphi011/relay/internal/model"
	"github.com/raphi011/relay/internal/storage"
	"github.com/spf13/cobra"
)

func newRecordsCmd() *cobra.Command {
	var (
		driver string
		states []string
	)

	cmd := &cobra.Command{
		Use:   "records <path>",
		Short: "List the upload records of a persisted ledger",
		Long: `Lists the upload records stored by a run that used the sqlite or badger
storage driver, optionally filtered by state.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(cmd)

			filter := []model.UploadState{}
			for _, s := range states {
				filter = append(filter, model.UploadState(s))
			}

			store, err := storage.Open(driver, args[0], log)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListRecords(cmd.Context(), filter...)
			if err != nil {
				return fmt.Errorf("listing records: %w", err)
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"KEY", "STATE", "ATTEMPTS", "REMOTE ID", "UPDATED", "LAST ERROR"})

			for _, rec := range records {
				t.AppendRow(table.Row{rec.Key, rec.State, rec.Attempts, rec.RemoteID, formatRelativeTime(rec.Updated), rec.LastError})
			}

			t.AppendFooter(table.Row{fmt.Sprintf("%d records", len(records))})
			t.Render()

			return nil
		},
	}

	cmd.Flags().StringVar(&driver, "driver", storage.DriverSqlite, "Storage driver of the ledger: sqlite or badger")
	cmd.Flags().StringSliceVar(&states, "state", nil, "Only list records in these states")

	return cmd
}
