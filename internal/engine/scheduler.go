package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftsync/driftsync/pkg/config"
	"github.com/driftsync/driftsync/pkg/connector/core"
)

// startScheduler launches the pair's trigger loop for its configured
// mode. Manual pairs get no loop; their cycles run only on demand.
func (p *pairRunner) startScheduler(ctx context.Context, wg *sync.WaitGroup) {
	run := func(loop func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop(ctx)
		}()
	}

	switch p.cfg.Mode {
	case config.ModeScheduled:
		run(p.runInterval)
	case config.ModeRealTime:
		if sc, ok := p.source.(core.StreamingConnector); ok {
			run(func(ctx context.Context) { p.runStreaming(ctx, sc) })
			return
		}
		p.logger.Info("source does not stream, polling on the pair interval",
			zap.String("connector", p.source.Name()))
		run(p.runInterval)
	}
}

// runInterval triggers a cycle every Interval until shutdown.
func (p *pairRunner) runInterval(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("scheduled sync started", zap.Duration("interval", p.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("scheduled sync stopped")
			return
		case <-ticker.C:
			p.syncNow(ctx, triggerScheduled)
		}
	}
}

// runStreaming follows the source's change stream, running a cycle per
// notification burst. The stream attaches before the catch-up cycle so
// no change can land between them unobserved. A lost stream is
// resubscribed with the pair interval as backoff.
func (p *pairRunner) runStreaming(ctx context.Context, sc core.StreamingConnector) {
	p.logger.Info("streaming sync started")

	for ctx.Err() == nil {
		stream, err := sc.Subscribe(ctx)
		if err != nil {
			p.logger.Warn("subscribe failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(p.cfg.Interval):
			}
			continue
		}

		p.syncNow(ctx, triggerStreaming)
		p.consumeStream(ctx, stream)
	}
	p.logger.Info("streaming sync stopped")
}

// consumeStream runs cycles on notifications until the stream closes.
func (p *pairRunner) consumeStream(ctx context.Context, stream *core.ChangeStream) {
	errs := stream.Errors
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-stream.Notifications:
			if !ok {
				p.logger.Warn("change stream closed, resubscribing")
				return
			}
			drainNotifications(stream.Notifications)
			// A notification must not be lost to an in-flight cycle:
			// wait that cycle out and trigger again.
			for ctx.Err() == nil {
				if _, ran := p.trySync(ctx, triggerStreaming); ran {
					break
				}
				p.cycleWG.Wait()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			p.logger.Warn("change stream error", zap.Error(err))
		}
	}
}

// drainNotifications coalesces a burst into the single cycle about to
// run.
func drainNotifications(ch <-chan core.ChangeNotification) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
