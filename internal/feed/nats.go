package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the part of *nats.Conn the relay needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSRelay republishes hub events on NATS so collaborators outside the
// process (the SMS gateway, analytics) can follow the store. Row events go
// to <prefix>.<table>.<type>; control events to <prefix>.control.<type>.
type NATSRelay struct {
	Pub    Publisher
	Prefix string
	Logger *slog.Logger
}

// DialNATS connects to url with reconnects enabled.
func DialNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return nats.Connect(url,
		nats.Name("wastesync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
}

func (r NATSRelay) Subject(ev Event) string {
	prefix := strings.TrimSuffix(r.Prefix, ".")
	if prefix == "" {
		prefix = "wastesync"
	}
	if ev.IsRowEvent() {
		return fmt.Sprintf("%s.%s.%s", prefix, ev.Table, ev.Type)
	}
	return fmt.Sprintf("%s.control.%s", prefix, ev.Type)
}

// Run forwards events from sub until ctx is done or sub is closed.
func (r NATSRelay) Run(ctx context.Context, sub *Subscription) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Warn("nats relay: marshal event", "error", err)
				continue
			}
			subject := r.Subject(ev)
			if err := r.Pub.Publish(subject, data); err != nil {
				logger.Warn("nats relay: publish failed", "subject", subject, "seq", ev.Seq, "error", err)
			}
		}
	}
}
