package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/harvester/internal/coordinator"
	"github.com/JakeFAU/harvester/internal/harvest"
)

func printBatch(w io.Writer, queue string, res harvest.BatchResult) {
	fmt.Fprintf(w, "%s batch: attempted=%d returned=%d saved=%d missing=%d visited=%d\n",
		queue, res.Attempted, res.Returned, res.Saved, res.Missing, res.Visited)
	if res.Unresolved > 0 {
		fmt.Fprintf(w, "  unresolved results: %d\n", res.Unresolved)
	}
	if res.Archived > 0 {
		fmt.Fprintf(w, "  archived markup: %d\n", res.Archived)
	}
	if res.FetchErr != nil {
		fmt.Fprintf(w, "  fetch failed: %v\n", res.FetchErr)
	}
	if res.PersistErr != nil {
		fmt.Fprintf(w, "  persist failed: %v\n", res.PersistErr)
	}
}

func printReport(w io.Writer, queue string, rep coordinator.PipelineReport) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("%s pipeline %s", queue, rep.RunID))
	t.AppendRows([]table.Row{
		{"stop", string(rep.Stop)},
		{"batches", rep.Batches},
		{"attempted", rep.Attempted},
		{"saved", rep.Saved},
		{"missing", rep.Missing},
		{"visited", rep.Visited},
		{"fetch failures", rep.FetchFailures},
		{"processed", rep.Processed},
		{"processor failures", rep.ProcessorFailures},
		{"remaining", rep.Remaining},
		{"duration", rep.Duration.Round(time.Millisecond).String()},
	})
	t.Render()
}

func printProgress(w io.Writer, label string, p harvest.Progress) {
	fmt.Fprintf(w, "%s: %s\n", label, p)
}

func printStats(w io.Writer, format string, stats harvest.Stats) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(stats); err != nil {
			return fmt.Errorf("encode stats: %w", err)
		}
		return nil
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(stats); err != nil {
			return fmt.Errorf("encode stats: %w", err)
		}
		return enc.Close()
	case "table", "":
	default:
		return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(stats.Queue)
	t.AppendHeader(table.Row{"Source", "Visited", "Unvisited", "Total"})
	for _, s := range stats.BySource {
		tag := s.SourceTag
		if tag == "" {
			tag = "(none)"
		}
		t.AppendRow(table.Row{tag, s.Visited, s.Unvisited, s.Visited + s.Unvisited})
	}
	t.AppendFooter(table.Row{"All", stats.Visited, stats.Unvisited, stats.Total})
	t.Render()
	fmt.Fprintf(w, "results: %d (%d complete)\n", stats.Results, stats.CompleteResults)
	return nil
}
