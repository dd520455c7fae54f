package capture

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/murmurlabs/murmur-core/internal/bus"
	"github.com/murmurlabs/murmur-core/internal/protocol"
)

// Publisher pushes observable session data to hosts. Implementations are
// called from timer, sampling and engine goroutines and must not block on
// the controller.
type Publisher interface {
	PublishTranscript(sessionID, text string, interim bool)
	PublishLevel(sessionID string, level float64)
	PublishStatus(sessionID, state string, elapsedSeconds int)
	PublishNotice(sessionID, code, message string)
}

// Recorder persists session lifecycle events. Transcript text and audio are
// deliberately never recorded.
type Recorder interface {
	RecordSession(sessionID string)
	RecordEvent(sessionID, eventType, detail string)
}

type NopPublisher struct{}

func (NopPublisher) PublishTranscript(string, string, bool) {}
func (NopPublisher) PublishLevel(string, float64)           {}
func (NopPublisher) PublishStatus(string, string, int)      {}
func (NopPublisher) PublishNotice(string, string, string)   {}

type NopRecorder struct{}

func (NopRecorder) RecordSession(string)               {}
func (NopRecorder) RecordEvent(string, string, string) {}

// BusPublisher broadcasts session data on the NATS bus.
type BusPublisher struct {
	bus *bus.Client
	log *slog.Logger
}

func NewBusPublisher(busClient *bus.Client, log *slog.Logger) *BusPublisher {
	return &BusPublisher{
		bus: busClient,
		log: log.With(slog.String("component", "capture-publisher")),
	}
}

func (p *BusPublisher) PublishTranscript(sessionID, text string, interim bool) {
	subject := protocol.SubjectTranscriptFinal
	if interim {
		subject = protocol.SubjectTranscriptPartial
	}
	p.publish(subject, protocol.TranscriptEvent{
		SessionID: sessionID,
		Text:      text,
		Interim:   interim,
		Timestamp: time.Now().UTC(),
	})
}

func (p *BusPublisher) PublishLevel(sessionID string, level float64) {
	p.publish(protocol.SubjectLevel, protocol.LevelSample{
		SessionID: sessionID,
		Level:     level,
		Timestamp: time.Now().UTC(),
	})
}

func (p *BusPublisher) PublishStatus(sessionID, state string, elapsedSeconds int) {
	p.publish(protocol.SubjectSessionStatus, protocol.SessionStatus{
		SessionID:      sessionID,
		State:          state,
		ElapsedSeconds: elapsedSeconds,
		Timestamp:      time.Now().UTC(),
	})
}

func (p *BusPublisher) PublishNotice(sessionID, code, message string) {
	p.publish(protocol.SubjectNotice, protocol.Notice{
		SessionID: sessionID,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

func (p *BusPublisher) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn("failed to marshal capture event", slogError(err))
		return
	}
	if err := p.bus.Conn().Publish(subject, data); err != nil {
		p.log.Warn("failed to publish capture event",
			slog.String("subject", subject), slogError(err))
	}
}
