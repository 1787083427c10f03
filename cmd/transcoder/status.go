package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"vodpipeline/internal/history"
	"vodpipeline/internal/jobs"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job and its recorded transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withBackends(cmd, func(s settings, b *backends, logger *slog.Logger) error {
				job, err := b.queue.Get(cmd.Context(), args[0])
				if err != nil {
					if errors.Is(err, jobs.ErrNotFound) {
						return fmt.Errorf("job %s not found", args[0])
					}
					return err
				}
				entries, err := b.history.List(cmd.Context(), job.ID)
				if err != nil {
					logger.Warn("failed to load job history", "job_id", job.ID, "error", err)
				}
				renderStatus(cmd.OutOrStdout(), job, entries, time.Now())
				return nil
			})
		},
	}
}

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderStatus(w io.Writer, job jobs.Job, entries []history.Entry, now time.Time) {
	fields := [][]string{
		{"Job", job.ID},
		{"Video", job.VideoID},
		{"Source", job.SourceKey},
		{"Status", string(job.Status)},
		{"Attempts", fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts)},
		{"Backoff", fmt.Sprintf("%s %s", job.Backoff.Type, job.Backoff.Delay)},
		{"Created", formatTime(job.CreatedAt, now)},
		{"Updated", formatTime(job.UpdatedAt, now)},
	}
	if job.Status == jobs.StatusWaiting && job.AvailableAt.After(now) {
		fields = append(fields, []string{"Next attempt", formatTime(job.AvailableAt, now)})
	}
	if job.Status == jobs.StatusActive && !job.LeaseExpiresAt.IsZero() {
		fields = append(fields, []string{"Lease expires", formatTime(job.LeaseExpiresAt, now)})
	}
	if job.LastError != "" {
		fields = append(fields, []string{"Last error", job.LastError})
	}
	if job.ResultURL != "" {
		fields = append(fields, []string{"Playlist", job.ResultURL})
	}
	fmt.Fprintln(w, renderTable([]string{"Field", "Value"}, fields, nil))

	if len(entries) == 0 {
		fmt.Fprintln(w, "No recorded transitions")
		return
	}
	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		detail := entry.Error
		if entry.URL != "" {
			detail = entry.URL
		}
		rows = append(rows, []string{
			entry.At.Format(time.RFC3339),
			string(entry.Status),
			strconv.Itoa(entry.Attempt),
			detail,
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"At", "Status", "Attempt", "Detail"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
	))
}

func formatTime(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", t.UTC().Format(time.RFC3339), humanize.RelTime(t, now, "ago", "from now"))
}

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := 0; i < columns; i++ {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render()
}
