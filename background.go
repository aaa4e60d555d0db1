package main

import (
	"context"
	"time"

	"github.com/rs/dnscache"
	"github.com/tobyprime/VerificationBot/model"
	"github.com/tobyprime/VerificationBot/pkg/log"
	"github.com/tobyprime/VerificationBot/service"
)

func GoBackgrounds(ctx context.Context, resolver *dnscache.Resolver, retention time.Duration) {
	// remove outcomes older than the retention
	go TickBackground(ctx, 1*time.Hour, func(now time.Time) {
		n, err := service.ExpireClean(model.BucketOutcome, now, func(b []byte, now time.Time) bool {
			return service.OutcomeExpired(b, now, retention)
		})
		if err != nil {
			log.Warn("Clean bucket %v: %v", model.BucketOutcome, err)
			return
		}
		if n > 0 {
			log.Debug("removed %v expired outcomes", n)
		}
	})

	// keep the cached addresses of Telegram and the challenge backend fresh
	go TickBackground(ctx, 5*time.Minute, func(now time.Time) {
		resolver.Refresh(true)
	})
}

// TickBackground invokes f at every interval until ctx is done.
func TickBackground(ctx context.Context, interval time.Duration, f func(now time.Time)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			f(now)
		}
	}
}
