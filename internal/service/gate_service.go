package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"parking-gate-service/internal/domain/parking"
	"parking-gate-service/internal/metrics"
	"parking-gate-service/internal/recognizer"
	"parking-gate-service/internal/repository"
	"parking-gate-service/internal/utils"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

// Store is the durable state behind the gate: the occupancy counter and the
// per-plate session log. Occupancy mutations are atomic deltas against the
// stored value, never read-then-write of a locally cached copy.
type Store interface {
	GetOrInitOccupancy(ctx context.Context, lotID string, maxSpots int) (*parking.LotOccupancy, error)
	DecrementSlots(ctx context.Context, lotID string) (int, error)
	IncrementSlots(ctx context.Context, lotID string, maxSpots int) (int, error)
	PutSession(ctx context.Context, session *parking.SessionRecord) error
	GetSession(ctx context.Context, plate string) (*parking.SessionRecord, error)
	RecordGateEvent(ctx context.Context, event *parking.GateEvent) error
	FindGateEvents(ctx context.Context, normalizedPlate *string, limit, offset int) ([]parking.GateEvent, error)
}

type Recognizer interface {
	DetectText(ctx context.Context, image []byte) ([]parking.Detection, error)
}

type ImageStore interface {
	Put(ctx context.Context, key string, data []byte) error
	URL(key string) string
}

type MetricsSink interface {
	Push(ctx context.Context, samples []parking.MetricSample) error
}

type Options struct {
	LotID       string
	MaxSpots    int
	DebugImages bool
}

type GateService struct {
	store   Store
	ocr     Recognizer
	images  ImageStore
	metrics MetricsSink
	opts    Options
	log     zerolog.Logger
	now     func() time.Time
}

func NewGateService(store Store, ocr Recognizer, images ImageStore, metrics MetricsSink, opts Options, log zerolog.Logger) *GateService {
	return &GateService{
		store:   store,
		ocr:     ocr,
		images:  images,
		metrics: metrics,
		opts:    opts,
		log:     log,
		now:     time.Now,
	}
}

// ProcessGateRequest runs one full invocation: debug image store, text
// recognition, then the ENTRY or EXIT transition. It returns the gate
// decision message for the barrier controller.
func (s *GateService) ProcessGateRequest(ctx context.Context, action string, image []byte) (string, error) {
	action = strings.ToUpper(strings.TrimSpace(action))
	if action != parking.ActionEntry && action != parking.ActionExit {
		return "", fmt.Errorf("%w: unsupported action %q", ErrInvalidInput, action)
	}

	imageKey := fmt.Sprintf("%s_%d.jpg", strings.ToLower(action), s.now().Unix())

	if s.opts.DebugImages && len(image) > 0 {
		// Best effort: a failed debug upload never blocks the gate.
		if err := s.images.Put(ctx, imageKey, image); err != nil {
			s.log.Warn().Err(err).Str("key", imageKey).Msg("debug image upload failed")
		}
	}

	var detections []parking.Detection
	if len(image) > 0 {
		var err error
		detections, err = s.ocr.DetectText(ctx, image)
		if err != nil {
			// Recognition failure degrades to UNKNOWN, not a request failure.
			s.log.Warn().Err(err).Msg("text recognition failed")
			detections = nil
		}
	}

	plate := recognizer.DerivePlate(detections)
	s.log.Info().Str("action", action).Str("plate", plate).Msg("plate read")

	if action == parking.ActionEntry {
		return s.HandleEntry(ctx, plate, imageKey, detections)
	}
	return s.HandleExit(ctx, plate)
}

// HandleEntry validates availability, takes a slot and opens a session.
func (s *GateService) HandleEntry(ctx context.Context, plate, imageKey string, detections []parking.Detection) (string, error) {
	occ, err := s.store.GetOrInitOccupancy(ctx, s.opts.LotID, s.opts.MaxSpots)
	if err != nil {
		return "", fmt.Errorf("read occupancy: %w", err)
	}

	if occ.AvailableSlots <= 0 {
		s.recordEvent(ctx, parking.ActionEntry, plate, parking.DecisionFull, occ.AvailableSlots, 0, "")
		return parking.DecisionFull, nil
	}

	if plate == parking.PlateUnknown {
		s.recordEvent(ctx, parking.ActionEntry, plate, parking.DecisionDeniedNoText, occ.AvailableSlots, 0, "")
		return parking.DecisionDeniedNoText, nil
	}

	newSlots, err := s.store.DecrementSlots(ctx, s.opts.LotID)
	if errors.Is(err, repository.ErrNoCapacity) {
		// A concurrent entry took the last slot between the read and the
		// conditional decrement.
		s.recordEvent(ctx, parking.ActionEntry, plate, parking.DecisionFull, 0, 0, "")
		return parking.DecisionFull, nil
	}
	if err != nil {
		return "", fmt.Errorf("decrement slots: %w", err)
	}

	now := s.now()
	imageURL := s.images.URL(imageKey)
	session := &parking.SessionRecord{
		Plate:          plate,
		EntryEpoch:     now.Unix(),
		EntryTimestamp: now.Format(parking.EntryTimestampLayout),
		Action:         parking.ActionEntry,
		ImageURL:       imageURL,
		Detections:     detections,
	}
	if err := s.store.PutSession(ctx, session); err != nil {
		s.log.Error().Err(err).Str("plate", plate).Msg("failed to create session record")
		return "", fmt.Errorf("create session record: %w", err)
	}

	s.log.Info().
		Str("plate", plate).
		Int("slots_left", newSlots).
		Int64("entry_epoch", session.EntryEpoch).
		Msg("vehicle entered")

	s.pushMetrics(ctx, parking.ActionEntry, newSlots, 0)
	s.recordEvent(ctx, parking.ActionEntry, plate, parking.DecisionOpenGate, newSlots, 0, imageURL)

	return parking.DecisionOpenGate, nil
}

// HandleExit frees a slot and computes the stay duration from the session
// log. The gate always opens on exit, session or not.
func (s *GateService) HandleExit(ctx context.Context, plate string) (string, error) {
	newSlots, err := s.store.IncrementSlots(ctx, s.opts.LotID, s.opts.MaxSpots)
	if err != nil {
		return "", fmt.Errorf("increment slots: %w", err)
	}

	durationMins := 0
	if plate != parking.PlateUnknown {
		session, err := s.store.GetSession(ctx, plate)
		if err != nil {
			// No session (or a failed lookup) leaves the duration at zero.
			s.log.Debug().Err(err).Str("plate", plate).Msg("no entry session for exiting vehicle")
		} else {
			durationMins = int((s.now().Unix() - session.EntryEpoch) / 60)
			s.log.Info().
				Str("plate", plate).
				Int("duration_mins", durationMins).
				Msg("vehicle exited")
		}
	}

	s.pushMetrics(ctx, parking.ActionExit, newSlots, durationMins)
	s.recordEvent(ctx, parking.ActionExit, plate, parking.DecisionExitSuccess, newSlots, durationMins, "")

	return parking.DecisionExitSuccess, nil
}

// GetOccupancy reads the current counter, initializing the lot if needed.
func (s *GateService) GetOccupancy(ctx context.Context) (*parking.LotOccupancy, error) {
	occ, err := s.store.GetOrInitOccupancy(ctx, s.opts.LotID, s.opts.MaxSpots)
	if err != nil {
		return nil, fmt.Errorf("read occupancy: %w", err)
	}
	return occ, nil
}

// GetSessionByPlate looks up the session record for an exact plate key.
func (s *GateService) GetSessionByPlate(ctx context.Context, plate string) (*parking.SessionRecord, error) {
	plate = strings.TrimSpace(plate)
	if plate == "" || plate == parking.PlateUnknown {
		return nil, fmt.Errorf("%w: plate is required", ErrInvalidInput)
	}

	session, err := s.store.GetSession(ctx, plate)
	if errors.Is(err, repository.ErrSessionNotFound) {
		return nil, fmt.Errorf("%w: no session for plate %s", ErrNotFound, plate)
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	return session, nil
}

// ListGateEvents returns recent gate decisions, newest first.
func (s *GateService) ListGateEvents(ctx context.Context, plateQuery *string, limit, offset int) ([]parking.GateEvent, error) {
	var normalized *string
	if plateQuery != nil {
		if n := utils.NormalizePlate(*plateQuery); n != "" {
			normalized = &n
		}
	}

	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	events, err := s.store.FindGateEvents(ctx, normalized, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("find gate events: %w", err)
	}
	return events, nil
}

// pushMetrics emits the per-invocation batch. Failures are logged and
// discarded here, never surfaced to the gate request.
func (s *GateService) pushMetrics(ctx context.Context, action string, slotsLeft, durationMins int) {
	samples := metrics.BuildSamples(action, slotsLeft, durationMins)
	if err := s.metrics.Push(ctx, samples); err != nil {
		s.log.Warn().Err(err).Str("action", action).Msg("metrics push failed")
	}
}

// recordEvent appends to the audit log. Best effort: the decision stands
// even when the audit write fails.
func (s *GateService) recordEvent(ctx context.Context, action, plate, decision string, slotsAfter, durationMins int, imageURL string) {
	event := &parking.GateEvent{
		Action:          action,
		Plate:           plate,
		NormalizedPlate: utils.NormalizePlate(plate),
		Decision:        decision,
		SlotsAfter:      slotsAfter,
		DurationMins:    durationMins,
		ImageURL:        imageURL,
		EventTime:       s.now(),
	}
	if err := s.store.RecordGateEvent(ctx, event); err != nil {
		s.log.Warn().Err(err).Str("decision", decision).Msg("failed to record gate event")
	}
}
