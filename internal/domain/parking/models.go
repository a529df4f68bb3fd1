package parking

import (
	"time"
)

// Action indicates which gate a captured image came from.
const (
	ActionEntry = "ENTRY"
	ActionExit  = "EXIT"
)

// PlateUnknown is the sentinel returned when text recognition produced no
// usable plate. It is never used as a session key.
const PlateUnknown = "UNKNOWN"

// Gate decision messages returned to the barrier controller.
const (
	DecisionOpenGate     = "OPEN_GATE"
	DecisionFull         = "FULL"
	DecisionDeniedNoText = "DENIED_NO_TEXT"
	DecisionExitSuccess  = "EXIT_SUCCESS"
)

// EntryTimestampLayout is the human-readable format stored on sessions.
const EntryTimestampLayout = "2006-01-02 15:04:05"

type LotOccupancy struct {
	LotID          string `json:"lot_id"`
	AvailableSlots int    `json:"available_slots"`
}

// SessionRecord tracks a currently-parked vehicle, keyed by plate. It is
// written on ENTRY and read back on EXIT to compute the stay duration.
// Records are never deleted; a returning vehicle overwrites its own record.
type SessionRecord struct {
	Plate          string      `json:"plate"`
	EntryEpoch     int64       `json:"entry_epoch"`
	EntryTimestamp string      `json:"entry_timestamp"`
	Action         string      `json:"action"`
	ImageURL       string      `json:"image_url,omitempty"`
	Detections     []Detection `json:"detections,omitempty"`
}

// Detection is a single result from the external text-recognition service.
// Confidence is on a 0-100 scale.
type Detection struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Text       string  `json:"text"`
}

// GateEvent is the audit record written for every decided gate request.
type GateEvent struct {
	ID              int64     `json:"id"`
	Action          string    `json:"action"`
	Plate           string    `json:"plate"`
	NormalizedPlate string    `json:"normalized_plate"`
	Decision        string    `json:"decision"`
	SlotsAfter      int       `json:"slots_after"`
	DurationMins    int       `json:"duration_mins,omitempty"`
	ImageURL        string    `json:"image_url,omitempty"`
	EventTime       time.Time `json:"event_time"`
}

// MetricSample is one named measurement pushed to the monitoring sink.
// Samples are batched per invocation and never persisted locally.
type MetricSample struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}
