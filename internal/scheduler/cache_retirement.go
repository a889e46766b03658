package scheduler

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/KrisLee/OG-Platform/internal/database"
)

// IdleReleaser reaps cycle caches that have not been touched recently. The
// view cache sources satisfy it.
type IdleReleaser interface {
	ReleaseIdle(ttl time.Duration) int
	ActiveCycles() int
}

// CacheRetirementJob reaps cycle caches the coordinator never retired, such
// as cycles abandoned by a crashed view process, and checkpoints the spill
// database's WAL.
type CacheRetirementJob struct {
	source  IdleReleaser
	cacheDB *database.DB // may be nil when caches are memory-only
	ttl     time.Duration
	log     zerolog.Logger
}

// NewCacheRetirementJob creates the job. Caches idle longer than ttl are
// released on each run.
func NewCacheRetirementJob(source IdleReleaser, cacheDB *database.DB, ttl time.Duration, log zerolog.Logger) *CacheRetirementJob {
	return &CacheRetirementJob{
		source:  source,
		cacheDB: cacheDB,
		ttl:     ttl,
		log:     log.With().Str("job", "cache_retirement").Logger(),
	}
}

// Name returns the job name.
func (j *CacheRetirementJob) Name() string {
	return "cache_retirement"
}

// Run releases idle caches and checkpoints the spill database.
func (j *CacheRetirementJob) Run() error {
	released := j.source.ReleaseIdle(j.ttl)
	if released > 0 {
		j.log.Info().
			Int("released", released).
			Int("active", j.source.ActiveCycles()).
			Msg("reaped abandoned cycle caches")
	}

	if j.cacheDB != nil {
		if err := j.cacheDB.WALCheckpoint("TRUNCATE"); err != nil {
			return err
		}
	}
	return nil
}
