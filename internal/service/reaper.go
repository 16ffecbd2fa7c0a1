package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Reaper periodically drops completed uploads from the registry.
type Reaper struct {
	cron      *cron.Cron
	svc       *UploadService
	retention time.Duration
}

func NewReaper(svc *UploadService, schedule string, retention time.Duration) (*Reaper, error) {
	r := &Reaper{
		cron:      cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger))),
		svc:       svc,
		retention: retention,
	}
	if _, err := r.cron.AddFunc(schedule, r.Run); err != nil {
		return nil, fmt.Errorf("invalid reaper schedule %q: %w", schedule, err)
	}
	return r, nil
}

func (r *Reaper) Start() {
	r.cron.Start()
	log.Info().Dur("retention", r.retention).Msg("upload reaper started")
}

// Stop halts the schedule and waits for a running pass to end or ctx to
// expire.
func (r *Reaper) Stop(ctx context.Context) {
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Run performs one reaping pass.
func (r *Reaper) Run() {
	if n := r.svc.ReapCompleted(context.Background(), r.retention); n > 0 {
		log.Info().Int("removed", n).Msg("reaped completed uploads")
	}
}
