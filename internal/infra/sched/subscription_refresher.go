package sched

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"payment-settlement/internal/infra/logging"
	"payment-settlement/internal/infra/metrics"
)

// OpenSubscriptionRefresher is the slice of the subscription ledger the refresher drives.
type OpenSubscriptionRefresher interface {
	RefreshOpen(ctx context.Context, limit int) (int, error)
}

// SubscriptionRefresher polls the gateway for non-terminal subscriptions on a cron schedule.
type SubscriptionRefresher struct {
	subs    OpenSubscriptionRefresher
	cron    *cron.Cron
	spec    string
	limit   int
	timeout time.Duration
	log     *zerolog.Logger
}

func NewSubscriptionRefresher(subs OpenSubscriptionRefresher, spec string, limit int, logger *zerolog.Logger) *SubscriptionRefresher {
	if limit <= 0 {
		limit = 200
	}
	l := logger.With().Str("component", "SubscriptionRefresher").Logger()
	cronLogger := cron.PrintfLogger(&l)
	return &SubscriptionRefresher{
		subs:    subs,
		cron:    cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		spec:    spec,
		limit:   limit,
		timeout: 5 * time.Minute,
		log:     &l,
	}
}

// Start registers the job and starts the cron runner. An invalid spec is returned as an error.
func (r *SubscriptionRefresher) Start(ctx context.Context) error {
	if _, err := r.cron.AddFunc(r.spec, func() { r.RunOnce(ctx) }); err != nil {
		return err
	}
	r.cron.Start()
	r.log.Info().Str("schedule", r.spec).Msg("Starting subscription refresher")
	return nil
}

// Stop waits for a running job to finish.
func (r *SubscriptionRefresher) Stop() {
	<-r.cron.Stop().Done()
	r.log.Info().Msg("Stopping subscription refresher")
}

func (r *SubscriptionRefresher) RunOnce(parent context.Context) {
	if parent.Err() != nil {
		return
	}
	defer logging.TraceDuration(r.log, "SubscriptionRefresher.RunOnce")()
	ctx, cancel := context.WithTimeout(parent, r.timeout)
	defer cancel()

	n, err := r.subs.RefreshOpen(ctx, r.limit)
	if err != nil {
		metrics.IncSubscriptionRefresh("error", n)
		r.log.Error().Err(err).Int("refreshed", n).Msg("subscription refresh failed")
		return
	}
	metrics.IncSubscriptionRefresh("ok", n)
	if n > 0 {
		r.log.Info().Int("refreshed", n).Msg("subscription statuses refreshed")
	}
}
