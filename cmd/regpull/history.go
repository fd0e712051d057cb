package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	historyLimit      int
	historyRepository string
	historyLayers     bool
	historyID         int64
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded pulls",
		Long: `Show pulls recorded in the history database, newest first. History is
kept in SQLite at history.db_path (default ~/.local/share/regpull/history.db).`,
		Example: `  regpull history
  regpull history --repository library/alpine --layers
  regpull history --id 12`,
		Args: cobra.NoArgs,
		RunE: historyRun,
	}
	cmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of pulls to show (0 for all)")
	cmd.Flags().StringVar(&historyRepository, "repository", "", "only show pulls of this repository path")
	cmd.Flags().BoolVar(&historyLayers, "layers", false, "list the layers of each pull")
	cmd.Flags().Int64Var(&historyID, "id", 0, "show one pull and its layers in detail")
	return cmd
}

func historyRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("pull history is disabled")
	}
	if historyID > 0 {
		return showPull(historyID)
	}

	pulls, err := globalStore.ListPulls(historyRepository, historyLimit)
	if err != nil {
		return err
	}
	if len(pulls) == 0 {
		fmt.Println("No pulls recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tREFERENCE\tPLATFORM\tSTATUS\tSIZE\tDIGEST")
	for _, p := range pulls {
		size := "-"
		if p.Size > 0 {
			size = humanize.Bytes(uint64(p.Size))
		}
		dgst := p.ManifestDigest
		if len(dgst) > 19 {
			dgst = dgst[:19]
		}
		if dgst == "" {
			dgst = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, humanize.Time(p.StartTime.In(time.Local)), p.Reference, p.Platform, p.Status, size, dgst)
		if p.ErrorMessage != "" {
			fmt.Fprintf(w, "\t\terror: %s\t\t\t\t\n", p.ErrorMessage)
		}
		if historyLayers {
			layers, err := globalStore.ListPullLayers(p.ID)
			if err != nil {
				return err
			}
			for _, l := range layers {
				fmt.Fprintf(w, "\t\t  %s\t\t\t%s\t\n", l.Digest, humanize.Bytes(uint64(l.Size)))
			}
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	total, err := globalStore.SumPullSize()
	if err != nil {
		return err
	}
	fmt.Printf("\nTotal archived: %s\n", humanize.Bytes(uint64(total)))
	return nil
}

func showPull(id int64) error {
	p, err := globalStore.GetPull(id)
	if err != nil {
		return err
	}

	fmt.Printf("Pull #%d\n", p.ID)
	fmt.Printf("  Reference:  %s\n", p.Reference)
	fmt.Printf("  Repository: %s/%s\n", p.Host, p.Repository)
	fmt.Printf("  Platform:   %s\n", p.Platform)
	fmt.Printf("  Status:     %s\n", p.Status)
	fmt.Printf("  Started:    %s\n", p.StartTime.In(time.Local).Format(time.RFC3339))
	if !p.EndTime.IsZero() {
		fmt.Printf("  Took:       %s\n", p.EndTime.Sub(p.StartTime).Round(time.Millisecond))
	}
	if p.ErrorMessage != "" {
		fmt.Printf("  Error:      %s\n", p.ErrorMessage)
		return nil
	}
	fmt.Printf("  Manifest:   %s\n", p.ManifestDigest)
	fmt.Printf("  Config:     %s\n", p.ConfigDigest)
	fmt.Printf("  Archive:    %s (%s)\n", p.ArchivePath, humanize.Bytes(uint64(p.Size)))

	layers, err := globalStore.ListPullLayers(p.ID)
	if err != nil {
		return err
	}
	fmt.Printf("  Layers:     %d\n", len(layers))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, l := range layers {
		fmt.Fprintf(w, "    %s\t%s\t%s\n", l.Digest, l.MediaType, humanize.Bytes(uint64(l.Size)))
	}
	return w.Flush()
}
