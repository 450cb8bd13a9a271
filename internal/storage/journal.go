package storage

import (
	"context"
	"fmt"
	"time"

	"portfolio-pulse/internal/common"
	"portfolio-pulse/internal/live"
	"portfolio-pulse/internal/risk"

	"github.com/rs/zerolog/log"
)

// SnapshotSource is satisfied by *live.Listener.
type SnapshotSource interface {
	Subscribe(buffer int) (<-chan live.MetricsSnapshot, func())
}

// PointWriter is satisfied by *Store.
type PointWriter interface {
	StorePoint(series string, point risk.HistoricalPoint) error
	Prune(series string, cutoff time.Time) (int, error)
}

type JournalMetrics interface {
	JournalSamplesInc()
}

type noopJournalMetrics struct{}

func (noopJournalMetrics) JournalSamplesInc() {}

// Journal samples the latest live snapshot at a fixed interval and stores its
// total value as a point of the portfolio series.
type Journal struct {
	store     PointWriter
	source    SnapshotSource
	interval  time.Duration
	retention time.Duration
	metrics   JournalMetrics
	now       func() time.Time
}

// NewJournal creates a journal. A zero retention keeps every point.
func NewJournal(store PointWriter, source SnapshotSource, interval, retention time.Duration, m JournalMetrics) *Journal {
	if m == nil {
		m = noopJournalMetrics{}
	}
	return &Journal{
		store:     store,
		source:    source,
		interval:  interval,
		retention: retention,
		metrics:   m,
		now:       time.Now,
	}
}

// Run samples until ctx is done or the source closes the subscription.
func (j *Journal) Run(ctx context.Context) error {
	if j.interval <= 0 {
		return fmt.Errorf("journal interval must be positive, got %v", j.interval)
	}

	updates, unsubscribe := j.source.Subscribe(1)
	defer unsubscribe()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	var latest *live.MetricsSnapshot
	log.Info().Dur("interval", j.interval).Msg("Portfolio journal started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				log.Info().Msg("Snapshot source closed, stopping journal")
				return nil
			}
			latest = &snap
		case <-ticker.C:
			if latest == nil {
				log.Debug().Msg("No portfolio snapshot yet, skipping journal sample")
				continue
			}
			j.sample(*latest)
		}
	}
}

func (j *Journal) sample(snap live.MetricsSnapshot) {
	now := j.now().UTC()
	point := risk.HistoricalPoint{Date: now, Value: snap.TotalValue}

	if err := j.store.StorePoint(common.SeriesPortfolio, point); err != nil {
		log.Error().Err(err).Msg("Failed to store portfolio sample")
		return
	}
	j.metrics.JournalSamplesInc()
	log.Debug().Float64("total_value", snap.TotalValue).Msg("Stored portfolio sample")

	if j.retention <= 0 {
		return
	}
	removed, err := j.store.Prune(common.SeriesPortfolio, now.Add(-j.retention))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to prune portfolio journal")
		return
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("Pruned old portfolio samples")
	}
}
