package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"carecue/internal/app"
	"carecue/internal/reminder"
	"carecue/internal/storage"
)

type occurrenceFlags struct {
	scheduleID string
	subjectID  string
	status     string
	since      time.Duration
	limit      int
	json       bool
}

func occurrencesCmd() *cobra.Command {
	var f occurrenceFlags
	cmd := &cobra.Command{
		Use:   "occurrences",
		Short: "List stored occurrences, newest window first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := f.filter(time.Now())
			if err != nil {
				return err
			}
			a, err := app.NewApp(cfgPath, VersionString())
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.Store().ListOccurrences(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if f.json {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			renderOccurrences(cmd, list)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.scheduleID, "schedule", "", "schedule id filter")
	cmd.Flags().StringVar(&f.subjectID, "subject", "", "subject id filter")
	cmd.Flags().StringVar(&f.status, "status", "", "status filter (pending|acknowledged|missed|skipped)")
	cmd.Flags().DurationVar(&f.since, "since", 0, "only occurrences with nominal time within this duration (e.g. 24h)")
	cmd.Flags().IntVar(&f.limit, "limit", 100, "maximum rows")
	cmd.Flags().BoolVar(&f.json, "json", false, "print JSON instead of a table")
	return cmd
}

func (f occurrenceFlags) filter(now time.Time) (storage.OccurrenceFilter, error) {
	out := storage.OccurrenceFilter{
		ScheduleID: f.scheduleID,
		SubjectID:  f.subjectID,
		Limit:      f.limit,
	}
	if f.status != "" {
		st, err := reminder.ParseStatus(f.status)
		if err != nil {
			return storage.OccurrenceFilter{}, err
		}
		out.Status = st
	}
	if f.since < 0 {
		return storage.OccurrenceFilter{}, fmt.Errorf("--since must be positive")
	}
	if f.since > 0 {
		out.From = now.Add(-f.since)
	}
	return out, nil
}

func renderOccurrences(cmd *cobra.Command, list []reminder.Occurrence) {
	tw := table.NewWriter()
	tw.SetOutputMirror(cmd.OutOrStdout())
	tw.AppendHeader(table.Row{"ID", "Schedule", "Nominal", "Status", "Delivered", "Escalated", "Label"})
	for _, o := range list {
		escalated := ""
		if o.EscalatedAt != nil {
			escalated = o.EscalatedAt.Local().Format(time.DateTime)
		}
		label := ""
		if o.SequenceLabel != nil {
			label = *o.SequenceLabel
		}
		tw.AppendRow(table.Row{o.ID, o.ScheduleID, o.NominalTime.Local().Format(time.DateTime), o.Status, o.Delivered, escalated, label})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "", "total", len(list)})
	tw.Render()
}
