package peerpool

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// healthLoop runs one health tick at a time. The next tick is scheduled only
// after the previous one returned.
func (p *Pool) healthLoop(ctx context.Context) {
	defer p.loops.Done()

	timer := p.clock.Timer(clampDuration(p.opts.HealthInitialDelay, 50*time.Millisecond, time.Minute))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		tickCtx, cancel := context.WithTimeout(ctx, p.opts.StatusTimeout+time.Second)
		p.healthTick(tickCtx)
		cancel()

		timer.Reset(p.opts.HealthInterval)
	}
}

func (p *Pool) refreshLoop(ctx context.Context) {
	defer p.loops.Done()

	timer := p.clock.Timer(clampDuration(p.opts.OnChainInitialDelay, 200*time.Millisecond, p.opts.OnChainRefreshInterval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if _, err := p.RefreshFromOnChain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Debug("Scheduled discovery did not complete", zap.Error(err))
		}

		timer.Reset(p.opts.OnChainRefreshInterval)
	}
}
