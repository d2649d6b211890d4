package master

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/SpamExperts/bitten/internal/logfields"
	"github.com/SpamExperts/bitten/internal/model"
)

// NATSListener publishes build lifecycle events as JSON messages on
// <prefix>.<event> subjects, for dashboards and notification bots.
// Publishing is fire-and-forget; a broken connection never blocks the
// build pipeline.
type NATSListener struct {
	conn   *nats.Conn
	prefix string
}

// BuildEvent is the JSON payload published for every lifecycle
// transition.
type BuildEvent struct {
	Event    string            `json:"event"`
	Build    int64             `json:"build"`
	Project  string            `json:"project"`
	Config   string            `json:"config"`
	Rev      string            `json:"rev"`
	Platform int64             `json:"platform"`
	Slave    string            `json:"slave,omitempty"`
	Status   model.BuildStatus `json:"status"`
	Time     time.Time         `json:"time"`
}

// NewNATSListener connects to the NATS server at url. The prefix
// defaults to "bitten.builds" when empty.
func NewNATSListener(url, prefix string) (*NATSListener, error) {
	if prefix == "" {
		prefix = "bitten.builds"
	}
	conn, err := nats.Connect(url,
		nats.Name("bitten-master"),
		nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	slog.Info("publishing build events to NATS",
		slog.String("url", url), slog.String("subject_prefix", prefix))
	return &NATSListener{conn: conn, prefix: prefix}, nil
}

func (l *NATSListener) publish(event string, b *model.Build) {
	payload := BuildEvent{
		Event:    event,
		Build:    b.ID,
		Project:  b.Project,
		Config:   b.Config,
		Rev:      b.Rev,
		Platform: b.Platform,
		Slave:    b.Slave,
		Status:   b.Status,
		Time:     time.Now().UTC(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("marshaling build event failed", logfields.Error(err))
		return
	}
	if err := l.conn.Publish(l.prefix+"."+event, data); err != nil {
		slog.Warn("publishing build event failed",
			slog.String("event", event), logfields.BuildID(b.ID), logfields.Error(err))
	}
}

func (l *NATSListener) BuildStarted(b *model.Build)   { l.publish("started", b) }
func (l *NATSListener) BuildCompleted(b *model.Build) { l.publish("completed", b) }
func (l *NATSListener) BuildAborted(b *model.Build)   { l.publish("aborted", b) }
func (l *NATSListener) BuildOrphaned(b *model.Build)  { l.publish("orphaned", b) }

// Close flushes pending messages and drops the connection.
func (l *NATSListener) Close() {
	if err := l.conn.Drain(); err != nil {
		l.conn.Close()
	}
}
