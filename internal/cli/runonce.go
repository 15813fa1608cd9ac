package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"carecue/internal/app"
)

var runOnceJSON bool

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Run one evaluation, delivery and sweep pass, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.NewApp(cfgPath, VersionString())
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
		defer cancel()
		rep := a.RunOnce(ctx)

		if runOnceJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		}
		tw := table.NewWriter()
		tw.SetOutputMirror(cmd.OutOrStdout())
		tw.AppendHeader(table.Row{"Evaluated", "Expired", "Created", "Delivered", "Failed", "Missed", "Escalated", "Errors", "Took"})
		tw.AppendRow(table.Row{rep.Evaluated, rep.Expired, rep.Created, rep.Delivered, rep.DeliveryFailed, rep.Missed, rep.Escalated, rep.Errors, rep.Took.Round(time.Millisecond)})
		tw.Render()
		if rep.Errors > 0 {
			return fmt.Errorf("run-once finished with %d errors", rep.Errors)
		}
		return nil
	},
}

func init() {
	runOnceCmd.Flags().BoolVar(&runOnceJSON, "json", false, "print the report as JSON")
}
