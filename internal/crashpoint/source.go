// Package crashpoint decides where each round crashes. Operator sequences
// win over one-shot overrides, which win over the random draw.
package crashpoint

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"

	"go.uber.org/zap"

	"crashgame/internal/apperror"
	"crashgame/internal/models"
	"crashgame/internal/store"
)

const (
	MinCrashPoint = 1.01

	baseSpread      = 5.0
	tailSpread      = 20.0
	tailProbability = 0.10
)

type Source struct {
	store store.CrashControlStore
	rand  func() float64
	log   *zap.Logger
}

type Option func(*Source)

// WithRand replaces the uniform [0,1) generator used by the random path.
func WithRand(fn func() float64) Option {
	return func(s *Source) { s.rand = fn }
}

func NewSource(cs store.CrashControlStore, opts ...Option) *Source {
	s := &Source{
		store: cs,
		rand:  rand.Float64,
		log:   zap.L().Named("crashpoint"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Next returns the crash point for the round about to start and whether an
// operator chose it. Any persistence failure is returned to the caller; the
// round must not start on an error.
func (s *Source) Next(ctx context.Context) (float64, bool, error) {
	value, idx, err := s.store.AdvanceSequence(ctx)
	switch {
	case err == nil:
		s.log.Info("crash point from sequence", zap.Int("index", idx), zap.Float64("value", value))
		return checkAdmin(value)
	case !errors.Is(err, store.ErrNotFound):
		return 0, false, apperror.Persistence(err, "advance crash sequence")
	}

	override, err := s.store.ConsumeOverride(ctx)
	switch {
	case err == nil:
		s.log.Info("crash point from override", zap.String("override_id", override.ID), zap.Float64("value", override.Value))
		return checkAdmin(override.Value)
	case !errors.Is(err, store.ErrNotFound):
		return 0, false, apperror.Persistence(err, "consume crash override")
	}

	return s.random(), false, nil
}

func (s *Source) random() float64 {
	spread := baseSpread
	if s.rand() < tailProbability {
		spread = tailSpread
	}
	v := math.Round((1+s.rand()*spread)*100) / 100
	return math.Max(v, MinCrashPoint)
}

func checkAdmin(v float64) (float64, bool, error) {
	if math.IsNaN(v) || v < MinCrashPoint {
		return 0, false, apperror.Invariant("stored crash value %.2f is below %.2f", v, MinCrashPoint)
	}
	return v, true, nil
}

// ValidateValue checks an operator-supplied crash value.
func ValidateValue(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < MinCrashPoint {
		return apperror.Validation(apperror.ReasonInvalidCrashValue, "crash value must be at least %.2f", MinCrashPoint)
	}
	return nil
}

// SetOverride schedules v for the next round without an active sequence,
// replacing any pending override.
func (s *Source) SetOverride(ctx context.Context, v float64) (*models.CrashOverride, error) {
	if err := ValidateValue(v); err != nil {
		return nil, err
	}
	o, created, err := s.store.UpsertOverride(ctx, round2(v))
	if err != nil {
		return nil, apperror.Persistence(err, "save crash override")
	}
	s.log.Info("crash override set", zap.Float64("value", o.Value), zap.Bool("created", created))
	return o, nil
}

// SetSequence installs values as the repeating sequence starting at index 0.
// Any pending single override is consumed.
func (s *Source) SetSequence(ctx context.Context, values []float64) (*models.CrashSequence, error) {
	if len(values) == 0 {
		return nil, apperror.Validation(apperror.ReasonInvalidCrashValue, "crash sequence must not be empty")
	}
	clean := make([]float64, len(values))
	for i, v := range values {
		if err := ValidateValue(v); err != nil {
			return nil, apperror.Validation(apperror.ReasonInvalidCrashValue, "crash value at position %d must be at least %.2f", i+1, MinCrashPoint)
		}
		clean[i] = round2(v)
	}
	seq, err := s.store.ReplaceSequence(ctx, clean)
	if err != nil {
		return nil, apperror.Persistence(err, "save crash sequence")
	}
	s.log.Info("crash sequence set", zap.Float64s("values", seq.Values))
	return seq, nil
}

// Sequence returns the active sequence, or nil when none is active.
func (s *Source) Sequence(ctx context.Context) (*models.CrashSequence, error) {
	seq, err := s.store.ActiveSequence(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.Persistence(err, "load crash sequence")
	}
	return seq, nil
}

func (s *Source) DeactivateSequence(ctx context.Context) (int, error) {
	n, err := s.store.DeactivateSequences(ctx)
	if err != nil {
		return 0, apperror.Persistence(err, "deactivate crash sequence")
	}
	s.log.Info("crash sequence deactivated", zap.Int("count", n))
	return n, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
