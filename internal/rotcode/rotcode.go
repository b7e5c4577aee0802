// Package rotcode derives short, time-windowed verification codes.
//
// A code is HMAC-SHA256(secret, "<class_id>:<slot>") reduced to six decimal
// digits, where slot counts fixed-width rotation windows since the Unix
// epoch. Codes need no persisted state: any replica with the same secret
// produces the same code.
//
// Six digits is a ~20 bit space. Guessing within one window is feasible
// without attempt throttling in front of Validate.
package rotcode

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"smartclassroom/internal/clock"
)

const (
	// DefaultRotation is the default slot width.
	DefaultRotation = 2 * time.Minute
	// Digits is the code length.
	Digits = 6

	modulus = 1_000_000
)

// ErrMissingSecret is returned when a generator is built without a secret.
var ErrMissingSecret = errors.New("rotcode: secret is required")

// Code is the code valid for one slot.
type Code struct {
	Code             string    `json:"code"`
	Slot             int64     `json:"time_slot"`
	ValidUntil       time.Time `json:"valid_until"`
	RemainingSeconds int       `json:"remaining_seconds"`
	RotationMinutes  int       `json:"rotation_minutes"`
}

// Validation is the result of checking a submitted code.
type Validation struct {
	Valid bool `json:"valid"`
	// Grace is set when the code belonged to the previous slot.
	Grace bool `json:"grace,omitempty"`
}

// Generator derives and checks codes. It holds no mutable state.
type Generator struct {
	secret   []byte
	rotation time.Duration
	clock    clock.Clock
}

// New builds a generator. rotation is truncated to whole minutes and
// defaults to two minutes.
func New(secret string, rotation time.Duration, clk clock.Clock) (*Generator, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	rotation = rotation.Truncate(time.Minute)
	if rotation <= 0 {
		rotation = DefaultRotation
	}
	if clk == nil {
		clk = clock.NewSystem(time.UTC)
	}
	return &Generator{secret: []byte(secret), rotation: rotation, clock: clk}, nil
}

// Rotation returns the slot width.
func (g *Generator) Rotation() time.Duration { return g.rotation }

// SlotAt returns the slot index containing t.
func (g *Generator) SlotAt(t time.Time) int64 {
	minutes := floorDiv(t.Unix(), 60)
	return floorDiv(minutes, int64(g.rotation/time.Minute))
}

// SlotStart returns the first instant of slot, in the clock's location.
func (g *Generator) SlotStart(slot int64) time.Time {
	return time.Unix(slot*int64(g.rotation/time.Second), 0).In(g.clock.Location())
}

// Derive computes the code of classID for slot.
func (g *Generator) Derive(classID string, slot int64) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(classID))
	mac.Write([]byte{':'})
	mac.Write([]byte(strconv.FormatInt(slot, 10)))
	sum := mac.Sum(nil)
	n := binary.BigEndian.Uint32(sum[:4]) % modulus
	return fmt.Sprintf("%0*d", Digits, n)
}

// Current returns the code of classID for the current slot.
func (g *Generator) Current(classID string) Code {
	return g.At(classID, g.clock.Now())
}

// At returns the code of classID for the slot containing t.
func (g *Generator) At(classID string, t time.Time) Code {
	slot := g.SlotAt(t)
	validUntil := g.SlotStart(slot + 1)
	remaining := int(validUntil.Sub(t) / time.Second)
	if remaining < 0 {
		remaining = 0
	}
	return Code{
		Code:             g.Derive(classID, slot),
		Slot:             slot,
		ValidUntil:       validUntil,
		RemainingSeconds: remaining,
		RotationMinutes:  int(g.rotation / time.Minute),
	}
}

// Validate checks submitted against the current slot and the one before it.
func (g *Generator) Validate(classID, submitted string) Validation {
	return g.ValidateAt(classID, submitted, g.clock.Now())
}

// ValidateAt is Validate evaluated at t.
func (g *Generator) ValidateAt(classID, submitted string, t time.Time) Validation {
	if !WellFormed(submitted) {
		return Validation{}
	}
	slot := g.SlotAt(t)
	if hmac.Equal([]byte(submitted), []byte(g.Derive(classID, slot))) {
		return Validation{Valid: true}
	}
	if hmac.Equal([]byte(submitted), []byte(g.Derive(classID, slot-1))) {
		return Validation{Valid: true, Grace: true}
	}
	return Validation{}
}

// WellFormed reports whether s is exactly six ASCII digits.
func WellFormed(s string) bool {
	if len(s) != Digits {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
