package scheduler

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/KrisLee/OG-Platform/internal/database"
)

// ResultPurger trims old results by valuation-time cutoff. The result store
// satisfies it.
type ResultPurger interface {
	PurgeBefore(cutoff int64) (int64, error)
}

// ResultsRetentionJob deletes job results older than the retention window
// and checkpoints the results database's WAL afterwards.
type ResultsRetentionJob struct {
	store     ResultPurger
	resultsDB *database.DB
	retention time.Duration
	log       zerolog.Logger
}

// NewResultsRetentionJob creates the job with the given retention window.
func NewResultsRetentionJob(store ResultPurger, resultsDB *database.DB, retention time.Duration, log zerolog.Logger) *ResultsRetentionJob {
	return &ResultsRetentionJob{
		store:     store,
		resultsDB: resultsDB,
		retention: retention,
		log:       log.With().Str("job", "results_retention").Logger(),
	}
}

// Name returns the job name.
func (j *ResultsRetentionJob) Name() string {
	return "results_retention"
}

// Run purges results whose valuation time falls outside the retention
// window.
func (j *ResultsRetentionJob) Run() error {
	cutoff := time.Now().Add(-j.retention).UnixMilli()
	purged, err := j.store.PurgeBefore(cutoff)
	if err != nil {
		return err
	}

	if purged > 0 {
		j.log.Info().Int64("purged", purged).Msg("trimmed result history")
	}

	if j.resultsDB != nil {
		if err := j.resultsDB.WALCheckpoint("PASSIVE"); err != nil {
			return err
		}
	}
	return nil
}
