package main

import (
	"chat-relay/domain"
	"chat-relay/infrastructure/storage"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gookit/color"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

func newPendingCmd(opts *options) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List pending deliveries in delivery order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDB(opts.dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			pendings, err := storage.ListPending(db, user)
			if err != nil {
				return err
			}
			printPending(cmd.OutOrStdout(), pendings, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "Only show the backlog of this user")
	return cmd
}

func printPending(out io.Writer, pendings []domain.Pending, now time.Time) {
	table := newTable(out, "Seq", "User", "Kind", "From", "Group", "Detail", "Age")
	for _, p := range pendings {
		detail := p.Text
		if p.Kind == domain.KindFileReady {
			detail = "file " + p.FileID
		}
		table.Append([]string{
			strconv.FormatUint(p.Seq, 10),
			p.Target,
			p.Kind.String(),
			p.From,
			p.Group,
			shorten(detail, 48),
			now.Sub(p.EnqueuedAt).Truncate(time.Second).String(),
		})
	}
	table.Render()

	byUser := lo.CountValuesBy(pendings, func(p domain.Pending) string { return p.Target })
	fmt.Fprintln(out, color.Info.Sprintf("%d pending deliveries for %d users", len(pendings), len(byUser)))
}
