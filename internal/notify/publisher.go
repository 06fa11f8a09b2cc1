package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gftdcojp/hpcds/internal/block"
	"github.com/gftdcojp/hpcds/internal/metrics"
	"github.com/gftdcojp/hpcds/internal/types"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Operations reported in events.
const (
	OpWrite   = "write"
	OpArchive = "archive"
)

// Event describes one block that was written or archived.
type Event struct {
	Op         string    `json:"op"`
	Dataset    string    `json:"dataset"`
	Resolution [3]int    `json:"resolution"`
	Version    string    `json:"version"`
	Coordinate [6]int    `json:"coordinate"`
	Size       [3]int    `json:"size"`
	VoxelType  string    `json:"voxelType"`
	Bytes      int       `json:"bytes"`
	ObjectKey  string    `json:"objectKey,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewEvent builds an event for b.
func NewEvent(op, dataset string, res types.Point3D, v types.Version, b *block.Block) Event {
	c := b.Coordinate
	return Event{
		Op:         op,
		Dataset:    dataset,
		Resolution: [3]int{res.X, res.Y, res.Z},
		Version:    v.String(),
		Coordinate: [6]int{c.X, c.Y, c.Z, c.Time, c.Channel, c.Angle},
		Size:       [3]int{b.Size.X, b.Size.Y, b.Size.Z},
		VoxelType:  b.Type.String(),
		Bytes:      len(b.Data),
		Timestamp:  time.Now().UTC(),
	}
}

// Subject returns {prefix}.block.{dataset}.
func Subject(prefix, dataset string) string {
	if prefix == "" {
		prefix = "hpcds"
	}
	return prefix + ".block." + subjectToken(dataset)
}

// subjectToken replaces characters NATS treats as token separators or wildcards.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, s)
}

// Publisher sends block events over NATS.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewPublisher creates a publisher using the subject prefix.
func NewPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger.Named("notify")}
}

// Publish sends ev on the subject of its dataset.
func (p *Publisher) Publish(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	subject := Subject(p.prefix, ev.Dataset)
	if err := p.nc.Publish(subject, data); err != nil {
		metrics.NotificationsPublished.WithLabelValues("error").Inc()
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	metrics.NotificationsPublished.WithLabelValues("ok").Inc()
	p.logger.Debug("event published", zap.String("subject", subject), zap.String("op", ev.Op))
	return nil
}

// Flush waits until published events reach the server.
func (p *Publisher) Flush() error {
	return p.nc.Flush()
}

// Subscribe delivers decoded events for dataset to fn. Malformed messages
// are logged and dropped.
func Subscribe(nc *nats.Conn, prefix, dataset string, logger *zap.Logger, fn func(Event)) (*nats.Subscription, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	subject := Subject(prefix, dataset)
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Warn("dropping malformed event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		fn(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	return sub, nil
}
