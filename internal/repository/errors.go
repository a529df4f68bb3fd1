package repository

import "errors"

var (
	// ErrNoCapacity is returned when a conditional occupancy update finds no
	// row satisfying its guard (lot full on decrement, lot at capacity on
	// increment).
	ErrNoCapacity = errors.New("no capacity change applied")

	// ErrSessionNotFound is returned when no session record exists for a plate.
	ErrSessionNotFound = errors.New("session not found")
)
