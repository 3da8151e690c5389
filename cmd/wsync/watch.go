package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"wastesync/internal/app"
	"wastesync/internal/feed"
	"wastesync/internal/view"
)

func watchCmd() *cobra.Command {
	var kinds []string
	var userID string
	var notifications bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep a live table of the rows of some kinds",
		Long:  "watch loads the current rows, then applies change events as they arrive and redraws. When the feed drops it reloads from the store.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), nil, func(ctx context.Context, ws *app.Workspace) error {
				if len(kinds) == 0 {
					kinds = ws.Config.KindNames()
				}
				f, err := feed.FilterForKinds(ws.Config, kinds, userID, notifications)
				if err != nil {
					return err
				}
				hub := newHub(ws, nil)
				// fix the hub's cursor before the reconciler takes its load mark
				if _, err := hub.Poll(ctx); err != nil {
					return err
				}
				sub := hub.Subscribe(f)
				go hub.Run(ctx)

				var r *view.Reconciler
				r = view.New(view.StoreLoader{Repo: ws.Repo, Config: ws.Config, Filter: f},
					view.WithLogger(ws.Engine.Logger),
					view.OnChange(func() { render(r) }),
				)
				err = r.Run(ctx, sub)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kinds", nil, "kinds to watch (default all)")
	cmd.Flags().StringVar(&userID, "user", "", "only rows owned by this user (plus unowned rows)")
	cmd.Flags().BoolVar(&notifications, "notifications", false, "include notifications")
	return cmd
}

func render(r *view.Reconciler) {
	rows := r.Snapshot()
	if viper.GetBool("json") {
		_ = json.NewEncoder(os.Stdout).Encode(rows)
		return
	}
	// clear screen and home the cursor
	fmt.Print("\033[H\033[2J")
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Table", "ID", "Status", "Updated"})
	for _, e := range rows {
		var row struct {
			Status string `json:"status"`
		}
		_ = e.Decode(&row)
		tw.AppendRow(table.Row{e.Table, e.ID, row.Status, e.UpdatedAt})
	}
	tw.SetCaption("%d rows", len(rows))
	tw.Render()
	if r.Stale() {
		fmt.Println("feed disconnected; showing nothing until it recovers")
	}
	for _, w := range r.Warnings() {
		fmt.Printf("warning: %s %s %s: %s\n", w.Code, w.Kind, w.EntityID, w.Message)
	}
}
