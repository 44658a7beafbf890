package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/db"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/httputil"
)

func (a *app) historyCmd() *cobra.Command {
	var (
		limit  int
		server string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past searches, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var (
				records []db.SearchRecord
				err     error
			)
			if server != "" {
				records, err = remoteHistory(ctx, server, limit)
			} else {
				records, err = a.localHistory(ctx, limit)
			}
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), records)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of searches to list")
	cmd.Flags().StringVar(&server, "server", "", "read the history of a running server, e.g. http://localhost:8080")
	return cmd
}

func (a *app) localHistory(ctx context.Context, limit int) ([]db.SearchRecord, error) {
	database, err := db.NewDB(a.cfg.GetDBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	defer database.Close()
	return db.NewSearchStore(database).ListSearches(ctx, limit)
}

func remoteHistory(ctx context.Context, server string, limit int) ([]db.SearchRecord, error) {
	u := strings.TrimRight(server, "/") + "/api/history?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	var resp struct {
		Searches []db.SearchRecord `json:"searches"`
	}
	if err := httputil.GetJSON(ctx, nil, u, &resp); err != nil {
		return nil, err
	}
	return resp.Searches, nil
}

func printHistory(out io.Writer, records []db.SearchRecord) {
	if len(records) == 0 {
		fmt.Fprintln(out, "no searches recorded")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSOURCE\tTARGET\tSTATUS\tBEST")
	for _, r := range records {
		best := "-"
		if r.Best != nil && r.Best.IsSet() {
			best = fmt.Sprintf("%.6g (np=%d step=%d)", *r.Best.RMSE, r.Best.NP, r.Best.Step)
		}
		status := string(r.Status)
		if r.Error != "" {
			status += ": " + r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.SearchID, r.StartedAt.Local().Format(time.DateTime), r.SrcName, r.TgtName, status, best)
	}
	tw.Flush()
}
