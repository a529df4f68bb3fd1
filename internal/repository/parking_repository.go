package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"parking-gate-service/internal/domain/parking"
)

type ParkingRepository struct {
	db *gorm.DB
}

func NewParkingRepository(db *gorm.DB) *ParkingRepository {
	return &ParkingRepository{db: db}
}

type LotOccupancy struct {
	LotID          string `gorm:"primaryKey;column:lot_id"`
	AvailableSlots int    `gorm:"not null"`
	UpdatedAt      time.Time
}

func (LotOccupancy) TableName() string { return "lot_occupancy" }

type ParkingSession struct {
	Plate          string `gorm:"primaryKey"`
	EntryEpoch     int64  `gorm:"not null"`
	EntryTimestamp string `gorm:"not null"`
	Action         string `gorm:"not null"`
	ImageURL       *string
	Detections     datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt      time.Time
}

func (ParkingSession) TableName() string { return "parking_sessions" }

type GateEvent struct {
	ID              int64  `gorm:"primaryKey"`
	Action          string `gorm:"not null"`
	Plate           string `gorm:"not null"`
	NormalizedPlate string `gorm:"not null"`
	Decision        string `gorm:"not null"`
	SlotsAfter      int    `gorm:"not null"`
	DurationMins    int
	ImageURL        *string
	EventTime       time.Time `gorm:"not null"`
	CreatedAt       time.Time
}

func (GateEvent) TableName() string { return "gate_events" }

// GetOrInitOccupancy reads the occupancy row for a lot, creating it with
// maxSpots available when it does not exist yet.
func (r *ParkingRepository) GetOrInitOccupancy(ctx context.Context, lotID string, maxSpots int) (*parking.LotOccupancy, error) {
	var row LotOccupancy
	err := r.db.WithContext(ctx).Where("lot_id = ?", lotID).First(&row).Error
	if err == nil {
		return &parking.LotOccupancy{LotID: row.LotID, AvailableSlots: row.AvailableSlots}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	row = LotOccupancy{LotID: lotID, AvailableSlots: maxSpots}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return nil, err
	}
	return &parking.LotOccupancy{LotID: lotID, AvailableSlots: maxSpots}, nil
}

// DecrementSlots takes one slot atomically against the stored value. The
// floor guard keeps the counter from drifting below zero under concurrent
// entries; ErrNoCapacity means some other request took the last slot.
func (r *ParkingRepository) DecrementSlots(ctx context.Context, lotID string) (int, error) {
	tx := r.db.WithContext(ctx).Model(&LotOccupancy{}).
		Where("lot_id = ? AND available_slots > 0", lotID).
		UpdateColumn("available_slots", gorm.Expr("available_slots - 1"))
	if tx.Error != nil {
		return 0, tx.Error
	}
	if tx.RowsAffected == 0 {
		return 0, ErrNoCapacity
	}
	return r.readSlots(ctx, lotID)
}

// IncrementSlots frees one slot atomically, clamped so the counter never
// exceeds maxSpots. The current stored value is returned either way.
func (r *ParkingRepository) IncrementSlots(ctx context.Context, lotID string, maxSpots int) (int, error) {
	tx := r.db.WithContext(ctx).Model(&LotOccupancy{}).
		Where("lot_id = ? AND available_slots < ?", lotID, maxSpots).
		UpdateColumn("available_slots", gorm.Expr("available_slots + 1"))
	if tx.Error != nil {
		return 0, tx.Error
	}
	if tx.RowsAffected == 0 {
		// Lot already at capacity, or the row does not exist yet. Seed it at
		// maxSpots in the latter case so a first-ever EXIT behaves like an
		// initialized lot.
		slots, err := r.readSlots(ctx, lotID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row := LotOccupancy{LotID: lotID, AvailableSlots: maxSpots}
			if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return 0, err
			}
			return maxSpots, nil
		}
		return slots, err
	}
	return r.readSlots(ctx, lotID)
}

func (r *ParkingRepository) readSlots(ctx context.Context, lotID string) (int, error) {
	var row LotOccupancy
	if err := r.db.WithContext(ctx).Where("lot_id = ?", lotID).First(&row).Error; err != nil {
		return 0, err
	}
	return row.AvailableSlots, nil
}

// PutSession upserts the session record for a plate. A returning vehicle
// with the same plate overwrites its prior record.
func (r *ParkingRepository) PutSession(ctx context.Context, session *parking.SessionRecord) error {
	row := ParkingSession{
		Plate:          session.Plate,
		EntryEpoch:     session.EntryEpoch,
		EntryTimestamp: session.EntryTimestamp,
		Action:         session.Action,
		CreatedAt:      time.Now(),
	}
	if session.ImageURL != "" {
		row.ImageURL = &session.ImageURL
	}
	if len(session.Detections) > 0 {
		payload, err := json.Marshal(session.Detections)
		if err != nil {
			return err
		}
		row.Detections = datatypes.JSON(payload)
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "plate"}},
		UpdateAll: true,
	}).Create(&row).Error
}

func (r *ParkingRepository) GetSession(ctx context.Context, plate string) (*parking.SessionRecord, error) {
	var row ParkingSession
	err := r.db.WithContext(ctx).Where("plate = ?", plate).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	session := &parking.SessionRecord{
		Plate:          row.Plate,
		EntryEpoch:     row.EntryEpoch,
		EntryTimestamp: row.EntryTimestamp,
		Action:         row.Action,
	}
	if row.ImageURL != nil {
		session.ImageURL = *row.ImageURL
	}
	if len(row.Detections) > 0 {
		// A corrupt payload loses the detections, not the session.
		_ = json.Unmarshal(row.Detections, &session.Detections)
	}
	return session, nil
}

func (r *ParkingRepository) RecordGateEvent(ctx context.Context, event *parking.GateEvent) error {
	row := GateEvent{
		Action:          event.Action,
		Plate:           event.Plate,
		NormalizedPlate: event.NormalizedPlate,
		Decision:        event.Decision,
		SlotsAfter:      event.SlotsAfter,
		DurationMins:    event.DurationMins,
		EventTime:       event.EventTime,
		CreatedAt:       time.Now(),
	}
	if event.ImageURL != "" {
		row.ImageURL = &event.ImageURL
	}

	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}
	event.ID = row.ID
	return nil
}

// FindGateEvents lists recent gate events, newest first, optionally filtered
// by normalized plate.
func (r *ParkingRepository) FindGateEvents(ctx context.Context, normalizedPlate *string, limit, offset int) ([]parking.GateEvent, error) {
	query := r.db.WithContext(ctx).Model(&GateEvent{})

	if normalizedPlate != nil {
		query = query.Where("normalized_plate = ?", *normalizedPlate)
	}

	query = query.Order("event_time DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var rows []GateEvent
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	events := make([]parking.GateEvent, 0, len(rows))
	for _, row := range rows {
		event := parking.GateEvent{
			ID:              row.ID,
			Action:          row.Action,
			Plate:           row.Plate,
			NormalizedPlate: row.NormalizedPlate,
			Decision:        row.Decision,
			SlotsAfter:      row.SlotsAfter,
			DurationMins:    row.DurationMins,
			EventTime:       row.EventTime,
		}
		if row.ImageURL != nil {
			event.ImageURL = *row.ImageURL
		}
		events = append(events, event)
	}
	return events, nil
}
