package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"wastesync/internal/engine"
	"wastesync/internal/engine/auth"
	"wastesync/internal/feed"
)

type filterKey struct{}

// streamFilter resolves the caller's subscription before the stream opens,
// so permission and kind errors still get a proper status code. Callers
// without feed.subscribe.all only see their own rows.
func streamFilter(api huma.API, e engine.Engine, hub *feed.Hub) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		if hub == nil {
			huma.WriteErr(api, ctx, http.StatusServiceUnavailable, engine.ErrFeedDisconnected.Error())
			return
		}
		p, err := requirePermission(ctx.Context(), auth.PermFeedSubscribe)
		if err != nil {
			se := handleError(err)
			huma.WriteErr(api, ctx, se.GetStatus(), se.Error())
			return
		}
		var kinds []string
		for _, k := range strings.Split(ctx.Query("kinds"), ",") {
			if k = strings.TrimSpace(k); k != "" {
				kinds = append(kinds, k)
			}
		}
		if len(kinds) == 0 {
			kinds = e.Config.KindNames()
		}
		userID := p.ActorID
		if p.Has(auth.PermFeedSubscribeAll) {
			userID = ctx.Query("user_id")
		}
		notifications := true
		if v := ctx.Query("notifications"); v != "" {
			notifications, _ = strconv.ParseBool(v)
		}
		f, err := feed.FilterForKinds(e.Config, kinds, userID, notifications)
		if err != nil {
			huma.WriteErr(api, ctx, http.StatusNotFound, err.Error())
			return
		}
		next(huma.WithValue(ctx, filterKey{}, f))
	}
}

func registerStream(api huma.API, e engine.Engine, hub *feed.Hub, logger *slog.Logger) {
	sse.Register(api, huma.Operation{
		OperationID: "feed-stream",
		Method:      http.MethodGet,
		Path:        "/feed/stream",
		Summary:     "Stream change events",
		Description: "Server-sent events for the rows of the requested kinds. A resync event asks the client to reload its state; degraded means the feed is down.",
		Middlewares: huma.Middlewares{streamFilter(api, e, hub)},
	}, map[string]any{
		"change": feed.Event{},
	}, func(ctx context.Context, input *struct {
		Kinds         string `query:"kinds" doc:"comma separated kinds; empty means all"`
		UserID        string `query:"user_id"`
		Notifications string `query:"notifications"`
	}, send sse.Sender) {
		f, _ := ctx.Value(filterKey{}).(feed.Filter)
		sub := hub.Subscribe(f)
		defer sub.Close()
		logger.Debug("stream opened", "subscription", sub.ID, "tables", f.Tables, "user_id", f.UserID)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				if err := send(sse.Message{ID: int(ev.Seq), Data: ev}); err != nil {
					logger.Debug("stream closed", "subscription", sub.ID, "error", err)
					return
				}
			}
		}
	})
}
