package main

import (
	"chat-relay/domain"
	"chat-relay/infrastructure/storage"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/gookit/color"
	"github.com/spf13/cobra"
)

func newStagedCmd(opts *options) *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "staged",
		Short: "List staged file bodies and their remaining references",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDB(opts.dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			log := slog.New(slog.DiscardHandler)
			files, err := storage.NewStagedFileRepository(db, log).All()
			if err != nil {
				return err
			}
			var staging *storage.StagingArea
			if verify {
				if staging, err = storage.NewStagingArea(opts.stagingDir, log); err != nil {
					return err
				}
			}
			printStaged(cmd.OutOrStdout(), files, staging)
			return nil
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "Check every body against its recorded checksum")
	return cmd
}

// printStaged renders files; a nil staging skips the checksum column.
func printStaged(out io.Writer, files []domain.StagedFile, staging *storage.StagingArea) {
	header := []string{"ID", "Sender", "Target", "Filename", "Size", "Mime", "Refs", "Created"}
	if staging != nil {
		header = append(header, "Body")
	}
	table := newTable(out, header...)

	broken := 0
	for _, f := range files {
		target := f.Target
		if f.Group {
			target = "#" + target
		}
		row := []string{
			shorten(f.ID, 8),
			f.Sender,
			target,
			f.Filename,
			strconv.FormatInt(f.Size, 10),
			f.Mime,
			strconv.Itoa(f.Refs),
			f.CreatedAt.Format("2006-01-02 15:04:05"),
		}
		if staging != nil {
			status := color.Green.Sprint("ok")
			if err := staging.Verify(f); err != nil {
				status = color.Red.Sprint("corrupt")
				broken++
			}
			row = append(row, status)
		}
		table.Append(row)
	}
	table.Render()

	summary := fmt.Sprintf("%d staged files", len(files))
	if broken > 0 {
		fmt.Fprintln(out, color.Warn.Sprintf("%s, %d corrupt", summary, broken))
		return
	}
	fmt.Fprintln(out, color.Info.Sprint(summary))
}
