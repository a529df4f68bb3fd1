// Package metrics pushes per-invocation measurement batches to an external
// monitoring sink over AMQP. Delivery is best effort: every failure is
// logged and swallowed, never surfaced to the gate request.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"parking-gate-service/internal/domain/parking"
)

// Metric names mirrored on the monitoring dashboard.
const (
	MetricAvailableSlots  = "AvailableSlots_Demo"
	MetricDailyCarCount   = "DailyCarCount"
	MetricParkingDuration = "ParkingDuration"

	unitCount = "Count"
)

// BuildSamples composes the batch for one gate invocation: the post-update
// slot count always, a unit car-count increment on ENTRY, and the stay
// duration on EXIT when one was computed. Aggregation is the sink's job.
func BuildSamples(action string, slotsLeft, durationMins int) []parking.MetricSample {
	samples := []parking.MetricSample{
		{Name: MetricAvailableSlots, Value: float64(slotsLeft), Unit: unitCount},
	}

	switch action {
	case parking.ActionEntry:
		samples = append(samples, parking.MetricSample{Name: MetricDailyCarCount, Value: 1, Unit: unitCount})
	case parking.ActionExit:
		if durationMins > 0 {
			samples = append(samples, parking.MetricSample{Name: MetricParkingDuration, Value: float64(durationMins), Unit: unitCount})
		}
	}
	return samples
}

type batchMessage struct {
	Namespace string                 `json:"namespace"`
	Samples   []parking.MetricSample `json:"samples"`
	EmittedAt time.Time              `json:"emitted_at"`
}

// Emitter holds a long-lived channel to the broker, opened once at process
// start and reused across invocations.
type Emitter struct {
	channel   *amqp.Channel
	namespace string
	queue     string
	log       zerolog.Logger
}

// NewEmitter dials the broker and declares the namespace queue. On any
// failure it returns an emitter that drops batches with a log line, so a
// missing broker never blocks the gate.
func NewEmitter(url, namespace string, log zerolog.Logger) *Emitter {
	e := &Emitter{
		namespace: namespace,
		queue:     "metrics." + namespace,
		log:       log,
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		log.Warn().Err(err).Msg("metrics sink unavailable, batches will be dropped")
		return e
	}

	ch, err := conn.Channel()
	if err != nil {
		log.Warn().Err(err).Msg("metrics channel open failed, batches will be dropped")
		_ = conn.Close()
		return e
	}

	if _, err := ch.QueueDeclare(e.queue, true, false, false, false, nil); err != nil {
		log.Warn().Err(err).Str("queue", e.queue).Msg("metrics queue declare failed, batches will be dropped")
		_ = ch.Close()
		_ = conn.Close()
		return e
	}

	e.channel = ch
	return e
}

// Push publishes one batch under the configured namespace.
func (e *Emitter) Push(ctx context.Context, samples []parking.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	if e.channel == nil {
		return fmt.Errorf("metrics sink not connected")
	}

	body, err := json.Marshal(batchMessage{
		Namespace: e.namespace,
		Samples:   samples,
		EmittedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal metrics batch: %w", err)
	}

	err = e.channel.PublishWithContext(ctx,
		"",      // default exchange
		e.queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish metrics batch: %w", err)
	}
	return nil
}
