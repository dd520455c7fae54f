package capability

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/murmurlabs/murmur-core/internal/bus"
	"github.com/murmurlabs/murmur-core/internal/config"
	"github.com/murmurlabs/murmur-core/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Announcer advertises this node's capture capabilities on the bus so hosts
// can gray out controls the platform cannot serve, and keeps a heartbeat
// going so they can tell a silent node from a dead one.
type Announcer struct {
	cfg    config.NodeConfig
	log    *slog.Logger
	bus    *bus.Client
	caps   []string
	cancel context.CancelFunc
	meter  metric.Meter
	gauge  metric.Int64ObservableGauge
}

func NewAnnouncer(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, caps []string, log *slog.Logger) (*Announcer, error) {
	ctx, cancel := context.WithCancel(ctx)
	a := &Announcer{
		cfg:    cfg,
		log:    log.With(slog.String("component", "capability-announcer")),
		bus:    busClient,
		caps:   caps,
		cancel: cancel,
		meter:  otel.Meter("github.com/murmurlabs/murmur-core/capability"),
	}

	if err := a.initMetrics(); err != nil {
		a.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := a.announce(); err != nil {
		a.log.Warn("failed to announce capabilities", slog.String("error", err.Error()))
	}

	go a.runHeartbeat(ctx)
	return a, nil
}

func (a *Announcer) Close() {
	a.cancel()
}

// Has reports whether this node carries the named capability.
func (a *Announcer) Has(name string) bool {
	for _, c := range a.caps {
		if c == name {
			return true
		}
	}
	return false
}

func (a *Announcer) initMetrics() error {
	gauge, err := a.meter.Int64ObservableGauge("murmur.capture.capabilities",
		metric.WithDescription("Number of capture capabilities this node carries"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(a.caps)), metric.WithAttributes(attribute.String("node_id", a.cfg.ID)))
			return nil
		}))
	if err != nil {
		return err
	}
	a.gauge = gauge
	return nil
}

func (a *Announcer) announce() error {
	msg := protocol.CapabilityAnnounce{
		NodeID:       a.cfg.ID,
		Capabilities: a.caps,
		Timestamp:    time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return a.bus.Conn().Publish(protocol.SubjectCapabilityAnnounce, data)
}

func (a *Announcer) runHeartbeat(ctx context.Context) {
	interval := time.Duration(a.cfg.HeartbeatInterval) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat := protocol.Heartbeat{NodeID: a.cfg.ID, Timestamp: time.Now().UTC()}
			data, err := json.Marshal(beat)
			if err != nil {
				continue
			}
			if err := a.bus.Conn().Publish(protocol.SubjectCapabilityBeat, data); err != nil {
				a.log.Warn("heartbeat publish failed", slog.String("error", err.Error()))
			}
		}
	}
}
