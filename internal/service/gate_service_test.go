package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"parking-gate-service/internal/domain/parking"
	"parking-gate-service/internal/metrics"
	"parking-gate-service/internal/repository"
)

type fakeStore struct {
	initialized bool
	slots       int
	maxSpots    int
	sessions    map[string]parking.SessionRecord
	events      []parking.GateEvent

	decrementErr  error
	putSessionErr error
	getSessionErr error
	eventErr      error
}

func newFakeStore(slots int) *fakeStore {
	return &fakeStore{
		initialized: true,
		slots:       slots,
		sessions:    map[string]parking.SessionRecord{},
	}
}

func (f *fakeStore) GetOrInitOccupancy(_ context.Context, lotID string, maxSpots int) (*parking.LotOccupancy, error) {
	if !f.initialized {
		f.initialized = true
		f.slots = maxSpots
	}
	return &parking.LotOccupancy{LotID: lotID, AvailableSlots: f.slots}, nil
}

func (f *fakeStore) DecrementSlots(context.Context, string) (int, error) {
	if f.decrementErr != nil {
		return 0, f.decrementErr
	}
	if f.slots <= 0 {
		return 0, repository.ErrNoCapacity
	}
	f.slots--
	return f.slots, nil
}

func (f *fakeStore) IncrementSlots(_ context.Context, _ string, maxSpots int) (int, error) {
	if f.slots < maxSpots {
		f.slots++
	}
	return f.slots, nil
}

func (f *fakeStore) PutSession(_ context.Context, session *parking.SessionRecord) error {
	if f.putSessionErr != nil {
		return f.putSessionErr
	}
	f.sessions[session.Plate] = *session
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, plate string) (*parking.SessionRecord, error) {
	if f.getSessionErr != nil {
		return nil, f.getSessionErr
	}
	session, ok := f.sessions[plate]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	return &session, nil
}

func (f *fakeStore) RecordGateEvent(_ context.Context, event *parking.GateEvent) error {
	if f.eventErr != nil {
		return f.eventErr
	}
	f.events = append(f.events, *event)
	return nil
}

func (f *fakeStore) FindGateEvents(_ context.Context, normalizedPlate *string, limit, offset int) ([]parking.GateEvent, error) {
	var out []parking.GateEvent
	for _, e := range f.events {
		if normalizedPlate != nil && e.NormalizedPlate != *normalizedPlate {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

type fakeRecognizer struct {
	detections []parking.Detection
	err        error
}

func (f *fakeRecognizer) DetectText(context.Context, []byte) ([]parking.Detection, error) {
	return f.detections, f.err
}

type fakeImageStore struct {
	puts   map[string][]byte
	putErr error
}

func (f *fakeImageStore) Put(_ context.Context, key string, data []byte) error {
	if f.putErr != nil {
		return f.putErr
	}
	if f.puts == nil {
		f.puts = map[string][]byte{}
	}
	f.puts[key] = data
	return nil
}

func (f *fakeImageStore) URL(key string) string {
	return "https://images.test/parking/" + key
}

type fakeMetricsSink struct {
	batches [][]parking.MetricSample
	err     error
}

func (f *fakeMetricsSink) Push(_ context.Context, samples []parking.MetricSample) error {
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, samples)
	return nil
}

func lineDetection(text string, confidence float64) parking.Detection {
	return parking.Detection{Type: "LINE", Confidence: confidence, Text: text}
}

func newTestService(store *fakeStore, ocr *fakeRecognizer, images *fakeImageStore, sink *fakeMetricsSink, at time.Time) *GateService {
	svc := NewGateService(store, ocr, images, sink, Options{
		LotID:       "lot1",
		MaxSpots:    30,
		DebugImages: true,
	}, zerolog.Nop())
	svc.now = func() time.Time { return at }
	return svc
}

func TestEntryOpensGateAndCreatesSession(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	store := newFakeStore(30)
	sink := &fakeMetricsSink{}
	images := &fakeImageStore{}
	ocr := &fakeRecognizer{detections: []parking.Detection{lineDetection("ABC123", 95)}}
	svc := newTestService(store, ocr, images, sink, t0)

	message, err := svc.ProcessGateRequest(context.Background(), "ENTRY", []byte("jpeg"))
	if err != nil {
		t.Fatalf("ProcessGateRequest failed: %v", err)
	}
	if message != parking.DecisionOpenGate {
		t.Errorf("expected OPEN_GATE, got %s", message)
	}
	if store.slots != 29 {
		t.Errorf("expected 29 slots left, got %d", store.slots)
	}

	session, ok := store.sessions["ABC123"]
	if !ok {
		t.Fatal("session record not created for ABC123")
	}
	if session.EntryEpoch != t0.Unix() {
		t.Errorf("expected entry_epoch %d, got %d", t0.Unix(), session.EntryEpoch)
	}
	if session.Action != parking.ActionEntry {
		t.Errorf("expected action ENTRY, got %s", session.Action)
	}
	wantURL := fmt.Sprintf("https://images.test/parking/entry_%d.jpg", t0.Unix())
	if session.ImageURL != wantURL {
		t.Errorf("expected image url %s, got %s", wantURL, session.ImageURL)
	}

	wantKey := fmt.Sprintf("entry_%d.jpg", t0.Unix())
	if _, ok := images.puts[wantKey]; !ok {
		t.Errorf("debug image not stored under %s", wantKey)
	}

	if len(sink.batches) != 1 {
		t.Fatalf("expected one metrics batch, got %d", len(sink.batches))
	}
	batch := sink.batches[0]
	if len(batch) != 2 {
		t.Fatalf("expected 2 samples on entry, got %d", len(batch))
	}
	if batch[0].Name != metrics.MetricAvailableSlots || batch[0].Value != 29 {
		t.Errorf("unexpected slots sample: %+v", batch[0])
	}
	if batch[1].Name != metrics.MetricDailyCarCount || batch[1].Value != 1 {
		t.Errorf("unexpected car count sample: %+v", batch[1])
	}
}

func TestEntryFullLot(t *testing.T) {
	store := newFakeStore(0)
	sink := &fakeMetricsSink{}
	ocr := &fakeRecognizer{detections: []parking.Detection{lineDetection("ABC123", 95)}}
	svc := newTestService(store, ocr, &fakeImageStore{}, sink, time.Unix(1700000000, 0))

	message, err := svc.ProcessGateRequest(context.Background(), "ENTRY", []byte("jpeg"))
	if err != nil {
		t.Fatalf("ProcessGateRequest failed: %v", err)
	}
	if message != parking.DecisionFull {
		t.Errorf("expected FULL, got %s", message)
	}
	if store.slots != 0 {
		t.Errorf("occupancy changed on full lot: %d", store.slots)
	}
	if len(store.sessions) != 0 {
		t.Error("session should not be created on full lot")
	}
	if len(sink.batches) != 0 {
		t.Error("no metrics expected on FULL")
	}
}

func TestEntryUnknownPlateDenied(t *testing.T) {
	store := newFakeStore(10)
	sink := &fakeMetricsSink{}
	ocr := &fakeRecognizer{detections: nil}
	svc := newTestService(store, ocr, &fakeImageStore{}, sink, time.Unix(1700000000, 0))

	message, err := svc.ProcessGateRequest(context.Background(), "ENTRY", []byte("jpeg"))
	if err != nil {
		t.Fatalf("ProcessGateRequest failed: %v", err)
	}
	if message != parking.DecisionDeniedNoText {
		t.Errorf("expected DENIED_NO_TEXT, got %s", message)
	}
	if store.slots != 10 {
		t.Errorf("occupancy must not change on denial, got %d", store.slots)
	}
	if len(store.sessions) != 0 {
		t.Error("no session record expected for unknown plate")
	}
	if len(sink.batches) != 0 {
		t.Error("no metrics expected for denied entry")
	}
}

func TestEntryRecognitionFailureDegradesToUnknown(t *testing.T) {
	store := newFakeStore(10)
	ocr := &fakeRecognizer{err: errors.New("recognition service down")}
	svc := newTestService(store, ocr, &fakeImageStore{}, &fakeMetricsSink{}, time.Unix(1700000000, 0))

	message, err := svc.ProcessGateRequest(context.Background(), "ENTRY", []byte("jpeg"))
	if err != nil {
		t.Fatalf("recognition failure must not fail the request: %v", err)
	}
	if message != parking.DecisionDeniedNoText {
		t.Errorf("expected DENIED_NO_TEXT after degraded recognition, got %s", message)
	}
}

func TestEntryLosingRaceReturnsFull(t *testing.T) {
	// The initial read saw a free slot, but the conditional decrement found
	// none left.
	store := newFakeStore(1)
	store.decrementErr = repository.ErrNoCapacity
	ocr := &fakeRecognizer{detections: []parking.Detection{lineDetection("ABC123", 95)}}
	svc := newTestService(store, ocr, &fakeImageStore{}, &fakeMetricsSink{}, time.Unix(1700000000, 0))

	message, err := svc.ProcessGateRequest(context.Background(), "ENTRY", []byte("jpeg"))
	if err != nil {
		t.Fatalf("ProcessGateRequest failed: %v", err)
	}
	if message != parking.DecisionFull {
		t.Errorf("expected FULL on lost race, got %s", message)
	}
	if len(store.sessions) != 0 {
		t.Error("no session expected when decrement refused")
	}
}

func TestEntryDebugImageFailureIsSwallowed(t *testing.T) {
	store := newFakeStore(5)
	images := &fakeImageStore{putErr: errors.New("image store down")}
	ocr := &fakeRecognizer{detections: []parking.Detection{lineDetection("ABC123", 95)}}
	svc := newTestService(store, ocr, images, &fakeMetricsSink{}, time.Unix(1700000000, 0))

	message, err := svc.ProcessGateRequest(context.Background(), "ENTRY", []byte("jpeg"))
	if err != nil {
		t.Fatalf("debug upload failure must not fail the request: %v", err)
	}
	if message != parking.DecisionOpenGate {
		t.Errorf("expected OPEN_GATE, got %s", message)
	}
}

func TestEntryMetricsFailureIsSwallowed(t *testing.T) {
	store := newFakeStore(5)
	sink := &fakeMetricsSink{err: errors.New("broker down")}
	ocr := &fakeRecognizer{detections: []parking.Detection{lineDetection("ABC123", 95)}}
	svc := newTestService(store, ocr, &fakeImageStore{}, sink, time.Unix(1700000000, 0))

	message, err := svc.ProcessGateRequest(context.Background(), "ENTRY", []byte("jpeg"))
	if err != nil {
		t.Fatalf("metrics failure must not fail the request: %v", err)
	}
	if message != parking.DecisionOpenGate {
		t.Errorf("expected OPEN_GATE, got %s", message)
	}
}

func TestExitComputesDuration(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	store := newFakeStore(29)
	store.sessions["ABC123"] = parking.SessionRecord{
		Plate:      "ABC123",
		EntryEpoch: t0.Unix(),
		Action:     parking.ActionEntry,
	}
	sink := &fakeMetricsSink{}
	ocr := &fakeRecognizer{detections: []parking.Detection{lineDetection("ABC123", 95)}}
	svc := newTestService(store, ocr, &fakeImageStore{}, sink, t0.Add(125*time.Second))

	message, err := svc.ProcessGateRequest(context.Background(), "EXIT", []byte("jpeg"))
	if err != nil {
		t.Fatalf("ProcessGateRequest failed: %v", err)
	}
	if message != parking.DecisionExitSuccess {
		t.Errorf("expected EXIT_SUCCESS, got %s", message)
	}
	if store.slots != 30 {
		t.Errorf("expected 30 slots after exit, got %d", store.slots)
	}

	if len(sink.batches) != 1 {
		t.Fatalf("expected one metrics batch, got %d", len(sink.batches))
	}
	batch := sink.batches[0]
	if len(batch) != 2 {
		t.Fatalf("expected 2 samples on exit with duration, got %d", len(batch))
	}
	if batch[1].Name != metrics.MetricParkingDuration || batch[1].Value != 2 {
		t.Errorf("expected duration sample of 2 minutes, got %+v", batch[1])
	}
}

func TestExitWithoutSessionStillSucceeds(t *testing.T) {
	store := newFakeStore(10)
	sink := &fakeMetricsSink{}
	ocr := &fakeRecognizer{detections: []parking.Detection{lineDetection("ZZZ999", 95)}}
	svc := newTestService(store, ocr, &fakeImageStore{}, sink, time.Unix(1700000000, 0))

	message, err := svc.ProcessGateRequest(context.Background(), "EXIT", []byte("jpeg"))
	if err != nil {
		t.Fatalf("ProcessGateRequest failed: %v", err)
	}
	if message != parking.DecisionExitSuccess {
		t.Errorf("expected EXIT_SUCCESS, got %s", message)
	}
	if store.slots != 11 {
		t.Errorf("exit must free a slot regardless of session, got %d", store.slots)
	}

	batch := sink.batches[0]
	if len(batch) != 1 {
		t.Errorf("expected only the slots sample without a session, got %d samples", len(batch))
	}
}

func TestExitUnknownPlateSkipsLookup(t *testing.T) {
	store := newFakeStore(10)
	store.getSessionErr = errors.New("lookup must not happen for UNKNOWN")
	ocr := &fakeRecognizer{detections: nil}
	svc := newTestService(store, ocr, &fakeImageStore{}, &fakeMetricsSink{}, time.Unix(1700000000, 0))

	message, err := svc.ProcessGateRequest(context.Background(), "EXIT", nil)
	if err != nil {
		t.Fatalf("ProcessGateRequest failed: %v", err)
	}
	if message != parking.DecisionExitSuccess {
		t.Errorf("expected EXIT_SUCCESS, got %s", message)
	}
	if store.slots != 11 {
		t.Errorf("expected 11 slots, got %d", store.slots)
	}
}

func TestExitLookupFailureDefaultsDurationToZero(t *testing.T) {
	store := newFakeStore(10)
	store.getSessionErr = errors.New("store unavailable")
	sink := &fakeMetricsSink{}
	ocr := &fakeRecognizer{detections: []parking.Detection{lineDetection("ABC123", 95)}}
	svc := newTestService(store, ocr, &fakeImageStore{}, sink, time.Unix(1700000000, 0))

	message, err := svc.ProcessGateRequest(context.Background(), "EXIT", []byte("jpeg"))
	if err != nil {
		t.Fatalf("lookup failure must not fail the request: %v", err)
	}
	if message != parking.DecisionExitSuccess {
		t.Errorf("expected EXIT_SUCCESS, got %s", message)
	}
	if len(sink.batches[0]) != 1 {
		t.Error("duration sample must be absent when lookup failed")
	}
}

func TestExitIncrementClampedAtCapacity(t *testing.T) {
	store := newFakeStore(30)
	ocr := &fakeRecognizer{detections: nil}
	svc := newTestService(store, ocr, &fakeImageStore{}, &fakeMetricsSink{}, time.Unix(1700000000, 0))

	message, err := svc.ProcessGateRequest(context.Background(), "EXIT", nil)
	if err != nil {
		t.Fatalf("ProcessGateRequest failed: %v", err)
	}
	if message != parking.DecisionExitSuccess {
		t.Errorf("expected EXIT_SUCCESS, got %s", message)
	}
	if store.slots != 30 {
		t.Errorf("counter must not exceed capacity, got %d", store.slots)
	}
}

func TestInvalidActionRejected(t *testing.T) {
	store := newFakeStore(10)
	svc := newTestService(store, &fakeRecognizer{}, &fakeImageStore{}, &fakeMetricsSink{}, time.Unix(1700000000, 0))

	_, err := svc.ProcessGateRequest(context.Background(), "REBOOT", nil)
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestEntryExitRoundTrip(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	store := newFakeStore(30)
	ocr := &fakeRecognizer{detections: []parking.Detection{lineDetection("ABC123", 95)}}
	svc := newTestService(store, ocr, &fakeImageStore{}, &fakeMetricsSink{}, t0)

	message, err := svc.ProcessGateRequest(context.Background(), "ENTRY", []byte("jpeg"))
	if err != nil || message != parking.DecisionOpenGate {
		t.Fatalf("entry failed: message=%s err=%v", message, err)
	}
	if store.slots != 29 {
		t.Fatalf("expected 29 slots after entry, got %d", store.slots)
	}

	svc.now = func() time.Time { return t0.Add(125 * time.Second) }
	message, err = svc.ProcessGateRequest(context.Background(), "EXIT", []byte("jpeg"))
	if err != nil || message != parking.DecisionExitSuccess {
		t.Fatalf("exit failed: message=%s err=%v", message, err)
	}
	if store.slots != 30 {
		t.Errorf("expected 30 slots after exit, got %d", store.slots)
	}
}

func TestLazyOccupancyInitOnFirstEntry(t *testing.T) {
	store := &fakeStore{sessions: map[string]parking.SessionRecord{}}
	ocr := &fakeRecognizer{detections: []parking.Detection{lineDetection("ABC123", 95)}}
	svc := newTestService(store, ocr, &fakeImageStore{}, &fakeMetricsSink{}, time.Unix(1700000000, 0))

	message, err := svc.ProcessGateRequest(context.Background(), "ENTRY", []byte("jpeg"))
	if err != nil {
		t.Fatalf("ProcessGateRequest failed: %v", err)
	}
	if message != parking.DecisionOpenGate {
		t.Errorf("expected OPEN_GATE, got %s", message)
	}
	if store.slots != 29 {
		t.Errorf("expected lazy init to 30 then decrement to 29, got %d", store.slots)
	}
}

func TestListGateEventsFiltersByPlate(t *testing.T) {
	store := newFakeStore(10)
	ocr := &fakeRecognizer{detections: []parking.Detection{lineDetection("ABC123", 95)}}
	svc := newTestService(store, ocr, &fakeImageStore{}, &fakeMetricsSink{}, time.Unix(1700000000, 0))

	if _, err := svc.ProcessGateRequest(context.Background(), "ENTRY", []byte("jpeg")); err != nil {
		t.Fatalf("entry failed: %v", err)
	}

	plate := "abc-123"
	events, err := svc.ListGateEvents(context.Background(), &plate, 10, 0)
	if err != nil {
		t.Fatalf("ListGateEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event for ABC123, got %d", len(events))
	}
	if events[0].Decision != parking.DecisionOpenGate {
		t.Errorf("expected OPEN_GATE event, got %s", events[0].Decision)
	}
}
