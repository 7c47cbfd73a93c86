package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

const DefaultOTPSweepInterval = 15 * time.Minute

// StartOTPJanitor deletes expired passcodes on a fixed interval. Verification
// already ignores expired rows, so this only keeps the table small.
func StartOTPJanitor(store *OtpStore, interval time.Duration, logger *slog.Logger) (gocron.Scheduler, error) {
	if interval <= 0 {
		interval = DefaultOTPSweepInterval
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			n, err := store.PurgeExpired(ctx)
			if err != nil {
				logger.Error("otp purge failed", "err", err)
				return
			}
			if n > 0 {
				logger.Info("expired otp codes purged", "count", n)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, err
	}

	sched.Start()
	return sched, nil
}
