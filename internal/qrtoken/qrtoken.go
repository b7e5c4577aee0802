// Package qrtoken issues and validates the opaque tokens carried by QR codes.
// A token binds a class period; the rotating code proves presence.
package qrtoken

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"smartclassroom/internal/clock"
	"smartclassroom/internal/logger"
	"smartclassroom/internal/model"
	"smartclassroom/internal/period"
	"smartclassroom/internal/rotcode"
)

// MinValidity is the minimum lifetime of an issued token.
const MinValidity = 24 * time.Hour

// VerifyPath is appended to the public base URL in QR payloads.
const VerifyPath = "/attendance/verify"

var (
	// ErrInvalidPeriod is returned when the period number is outside the session.
	ErrInvalidPeriod = errors.New("qrtoken: period number outside class session")
	// ErrClassNotFound is returned when the class session does not exist.
	ErrClassNotFound = errors.New("qrtoken: class not found")
	// ErrTokenNotFound is returned by Revoke for an unknown token.
	ErrTokenNotFound = errors.New("qrtoken: token not found")
)

// Rejection reasons reported by Validate.
const (
	ReasonInvalid  = "invalid_token"
	ReasonExpired  = "expired_token"
	ReasonInactive = "inactive_token"
)

// Store persists tokens. Save must replace any active token of the same
// class and period so at most one is active at a time.
type Store interface {
	SaveToken(ctx context.Context, tok model.QRToken) (model.QRToken, error)
	GetToken(ctx context.Context, token string) (model.QRToken, error)
	DeactivateToken(ctx context.Context, token string) error
}

// SessionLookup resolves class sessions. Unknown classes yield model.ErrNotFound.
type SessionLookup interface {
	GetSession(ctx context.Context, classID string) (model.ClassSession, error)
}

// Validation is the outcome of Validate. Invalid tokens are not errors.
type Validation struct {
	Valid  bool          `json:"valid"`
	Reason string        `json:"reason,omitempty"`
	Token  model.QRToken `json:"token"`
}

// QR is everything a display needs to render a class period QR.
type QR struct {
	Token            string    `json:"token"`
	ClassID          string    `json:"class_id"`
	PeriodNumber     int       `json:"period_number"`
	ExpiresAt        time.Time `json:"expires_at"`
	PayloadURL       string    `json:"qr_payload_url"`
	CurrentCode      string    `json:"current_code"`
	CodeExpiry       time.Time `json:"code_expiry"`
	RemainingSeconds int       `json:"remaining_seconds"`
}

// Service issues tokens and answers code and period queries for QR displays.
type Service struct {
	store    Store
	sessions SessionLookup
	codes    *rotcode.Generator
	periods  *period.Calculator
	clock    clock.Clock
	baseURL  string
	log      *zap.Logger
}

// Config bundles the collaborators of a Service.
type Config struct {
	Store    Store
	Sessions SessionLookup
	Codes    *rotcode.Generator
	Periods  *period.Calculator
	Clock    clock.Clock
	BaseURL  string
	Logger   *zap.Logger
}

// NewService creates a token service.
func NewService(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem(time.UTC)
	}
	return &Service{
		store:    cfg.Store,
		sessions: cfg.Sessions,
		codes:    cfg.Codes,
		periods:  cfg.Periods,
		clock:    cfg.Clock,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		log:      cfg.Logger,
	}
}

// Issue creates a fresh token for a class period, replacing the active one.
func (s *Service) Issue(ctx context.Context, classID string, periodNumber int) (model.QRToken, error) {
	sess, err := s.session(ctx, classID)
	if err != nil {
		return model.QRToken{}, err
	}
	ps := s.periods.Periods(sess.StartTime, sess.EndTime)
	if periodNumber < 1 || periodNumber > len(ps) {
		return model.QRToken{}, fmt.Errorf("%w: %d not in 1..%d", ErrInvalidPeriod, periodNumber, len(ps))
	}

	now := s.clock.Now()
	expires := now.Add(MinValidity)
	if sess.EndTime.After(expires) {
		expires = sess.EndTime
	}

	var tok model.QRToken
	// A conflict means a concurrent issue for the same period won; try once more.
	for attempt := 0; attempt < 2; attempt++ {
		value, err := newToken(classID, periodNumber, now)
		if err != nil {
			return model.QRToken{}, err
		}
		tok, err = s.store.SaveToken(ctx, model.QRToken{
			Token:        value,
			ClassID:      classID,
			PeriodNumber: periodNumber,
			ExpiresAt:    clock.In(expires, s.clock.Location()),
			Active:       true,
			CreatedAt:    now,
		})
		if err == nil {
			break
		}
		if !errors.Is(err, model.ErrConflict) || attempt == 1 {
			return model.QRToken{}, unavailable("save token", err)
		}
	}
	tok.ExpiresAt = clock.In(tok.ExpiresAt, s.clock.Location())
	s.log.Info("qr token issued",
		zap.String(logger.FieldClassID, classID),
		zap.Int(logger.FieldPeriod, periodNumber),
		zap.Time("expires_at", tok.ExpiresAt))
	return tok, nil
}

// Validate checks that token exists, is active and has not expired.
func (s *Service) Validate(ctx context.Context, token string) (Validation, error) {
	if token == "" {
		return Validation{Reason: ReasonInvalid}, nil
	}
	tok, err := s.store.GetToken(ctx, token)
	if errors.Is(err, model.ErrNotFound) {
		return Validation{Reason: ReasonInvalid}, nil
	}
	if err != nil {
		return Validation{}, unavailable("get token", err)
	}
	tok.ExpiresAt = clock.In(tok.ExpiresAt, s.clock.Location())
	if !tok.Active {
		return Validation{Reason: ReasonInactive, Token: tok}, nil
	}
	if !s.clock.Now().Before(tok.ExpiresAt) {
		return Validation{Reason: ReasonExpired, Token: tok}, nil
	}
	return Validation{Valid: true, Token: tok}, nil
}

// Revoke deactivates a token.
func (s *Service) Revoke(ctx context.Context, token string) error {
	err := s.store.DeactivateToken(ctx, token)
	if errors.Is(err, model.ErrNotFound) {
		return ErrTokenNotFound
	}
	if err != nil {
		return unavailable("deactivate token", err)
	}
	return nil
}

// GenerateQR issues a token and bundles it with the current rotating code.
func (s *Service) GenerateQR(ctx context.Context, classID string, periodNumber int) (QR, error) {
	tok, err := s.Issue(ctx, classID, periodNumber)
	if err != nil {
		return QR{}, err
	}
	code := s.codes.Current(classID)
	return QR{
		Token:            tok.Token,
		ClassID:          tok.ClassID,
		PeriodNumber:     tok.PeriodNumber,
		ExpiresAt:        tok.ExpiresAt,
		PayloadURL:       s.PayloadURL(tok.Token),
		CurrentCode:      code.Code,
		CodeExpiry:       code.ValidUntil,
		RemainingSeconds: code.RemainingSeconds,
	}, nil
}

// PayloadURL is the URL encoded in the QR image for token.
func (s *Service) PayloadURL(token string) string {
	return s.baseURL + VerifyPath + "?token=" + url.QueryEscape(token)
}

// CurrentCode returns the rotating code of a class.
func (s *Service) CurrentCode(classID string) rotcode.Code {
	return s.codes.Current(classID)
}

// Periods returns the periods of a class, marking the one containing now.
func (s *Service) Periods(ctx context.Context, classID string) ([]period.Period, error) {
	sess, err := s.session(ctx, classID)
	if err != nil {
		return nil, err
	}
	ps := s.periods.Periods(sess.StartTime, sess.EndTime)
	if cur, ok := s.periods.Current(sess.StartTime, sess.EndTime, s.clock.Now()); ok {
		ps[cur.Number-1] = cur
	}
	return ps, nil
}

func (s *Service) session(ctx context.Context, classID string) (model.ClassSession, error) {
	sess, err := s.sessions.GetSession(ctx, classID)
	if errors.Is(err, model.ErrNotFound) {
		return model.ClassSession{}, fmt.Errorf("%w: %s", ErrClassNotFound, classID)
	}
	if err != nil {
		return model.ClassSession{}, unavailable("get session", err)
	}
	return sess, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", model.ErrUnavailable, op, err)
}

// newToken hashes 32 random bytes together with the class binding.
func newToken(classID string, periodNumber int, now time.Time) (string, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("token entropy: %w", err)
	}
	h := sha256.New()
	h.Write(nonce[:])
	h.Write([]byte(classID + ":" + strconv.Itoa(periodNumber) + ":" + strconv.FormatInt(now.UnixNano(), 10)))
	return hex.EncodeToString(h.Sum(nil)), nil
}
