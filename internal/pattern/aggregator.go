// Package pattern maintains per-user recurrence statistics: one row per
// event signature, updated incrementally as notifications are observed.
// It reads history off the delivery hot path.
package pattern

import (
	"context"
	"errors"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"beacon/internal/model"
	"beacon/internal/storage"
	logx "beacon/pkg/logx"
)

const (
	// confidenceStep is the fraction of remaining headroom gained per
	// observation. Asymptotic to 1.0, so the bound holds by construction.
	confidenceStep = 0.15

	// decayFactor is applied once per sweep to patterns that stopped
	// recurring. Partial decay only, rows are never removed.
	decayFactor = 0.85

	batchConcurrency = 3
)

type Service struct {
	store *storage.Store
	log   logx.Logger
	now   func() time.Time
}

func NewService(store *storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, log: log, now: time.Now}
}

// Observation is a single pattern occurrence to record.
type Observation struct {
	Key  string
	Type string
	At   time.Time
}

// Observe records one occurrence of a pattern key: frequency is always
// incremented and confidence rises toward 1.0 without ever exceeding it.
func (s *Service) Observe(ctx context.Context, userID string, obs Observation) (model.Pattern, error) {
	if obs.At.IsZero() {
		obs.At = s.now()
	}
	p, err := s.store.GetPattern(ctx, userID, obs.Key)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		p = model.Pattern{Key: obs.Key, Type: obs.Type, FirstSeen: obs.At}
	default:
		return model.Pattern{}, err
	}

	p.Frequency++
	p.Confidence = raiseConfidence(p.Confidence)
	p.LastSeen = obs.At
	if obs.Type != "" {
		p.Type = obs.Type
	}

	if err := s.store.UpsertPattern(ctx, userID, p); err != nil {
		return model.Pattern{}, err
	}
	return p, nil
}

// ObserveBatch records a set of observations with bounded concurrency.
// Each observation succeeds or fails independently; the first error is
// returned after the group drains.
func (s *Service) ObserveBatch(ctx context.Context, userID string, batch []Observation) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for _, obs := range batch {
		obs := obs
		g.Go(func() error {
			_, err := s.Observe(ctx, userID, obs)
			return err
		})
	}
	return g.Wait()
}

// raiseConfidence moves c a fixed fraction of the way toward 1.0.
func raiseConfidence(c float64) float64 {
	c += (1 - c) * confidenceStep
	if c > 1 {
		c = 1
	}
	return c
}

// DecaySweep lowers the confidence of every pattern not seen since cutoff.
// Frequency and the row itself are untouched. Returns the number of
// patterns decayed.
func (s *Service) DecaySweep(ctx context.Context, cutoff time.Time) (int, error) {
	users, err := s.store.ListPatternUsers(ctx)
	if err != nil {
		return 0, err
	}
	decayed := 0
	for _, userID := range users {
		patterns, err := s.store.ListPatterns(ctx, userID)
		if err != nil {
			return decayed, err
		}
		for _, p := range patterns {
			if !p.LastSeen.Before(cutoff) {
				continue
			}
			next := p.Confidence * decayFactor
			if next < 0 {
				next = 0
			}
			if next == p.Confidence {
				continue
			}
			p.Confidence = next
			if err := s.store.UpsertPattern(ctx, userID, p); err != nil {
				return decayed, err
			}
			decayed++
		}
	}
	if decayed > 0 {
		s.log.Debug("pattern decay sweep", logx.Int("decayed", decayed))
	}
	return decayed, nil
}

// Insights is the aggregate view over a user's patterns. The two top-N
// rankings are independent and may order keys differently.
type Insights struct {
	TotalPatterns   int             `json:"total_patterns"`
	MeanConfidence  float64         `json:"mean_confidence"`
	TopByConfidence []model.Pattern `json:"top_by_confidence"`
	TopByFrequency  []model.Pattern `json:"top_by_frequency"`
}

// InsightsSummary computes the aggregate view, truncating both rankings
// to at most n entries.
func (s *Service) InsightsSummary(ctx context.Context, userID string, n int) (Insights, error) {
	patterns, err := s.store.ListPatterns(ctx, userID)
	if err != nil {
		return Insights{}, err
	}
	out := Insights{TotalPatterns: len(patterns)}
	if len(patterns) == 0 {
		return out, nil
	}

	var sum float64
	for _, p := range patterns {
		sum += p.Confidence
	}
	out.MeanConfidence = sum / float64(len(patterns))

	byConf := append([]model.Pattern(nil), patterns...)
	sort.Slice(byConf, func(i, j int) bool {
		if byConf[i].Confidence != byConf[j].Confidence {
			return byConf[i].Confidence > byConf[j].Confidence
		}
		return byConf[i].Key < byConf[j].Key
	})
	byFreq := append([]model.Pattern(nil), patterns...)
	sort.Slice(byFreq, func(i, j int) bool {
		if byFreq[i].Frequency != byFreq[j].Frequency {
			return byFreq[i].Frequency > byFreq[j].Frequency
		}
		return byFreq[i].Key < byFreq[j].Key
	})

	if n > 0 && n < len(byConf) {
		byConf = byConf[:n]
		byFreq = byFreq[:n]
	}
	out.TopByConfidence = byConf
	out.TopByFrequency = byFreq
	return out, nil
}
