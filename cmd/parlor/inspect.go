package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aeolun/parlor/pkg/database"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show what the configured storage holds",
	Long: `Lists every stored snapshot with its version, size and the time it
was last written. The server does not need to be stopped.`,
	Args: cobra.NoArgs,
	RunE: runInspect,
}

func runInspect(cmd *cobra.Command, args []string) error {
	store, err := openStorage(config)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	infos, err := store.Describe(cmd.Context())
	if err != nil {
		return err
	}

	path, _ := config.GetStoragePath()
	fmt.Fprintln(cmd.OutOrStdout(), titleStyle.Render("parlor storage")+" "+mutedStyle.Render(config.Storage.Driver+" "+path))
	if len(infos) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("no snapshots yet"))
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderSnapshots(infos, time.Now()))
	return nil
}

func renderSnapshots(infos []database.SnapshotInfo, now time.Time) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("COLLECTION", "VERSION", "SIZE", "UPDATED").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	for _, info := range infos {
		version := "-"
		if info.Version > 0 {
			version = strconv.FormatUint(info.Version, 10)
		}
		size := humanize.Bytes(uint64(info.Bytes))
		if info.Compressed {
			size += " (lz4)"
		}
		t.Row(info.Collection.String(), version, size, humanize.RelTime(info.UpdatedAt, now, "ago", "from now"))
	}
	return t.Render()
}
