package app

import (
	"context"
	"fmt"
	"time"

	"jobrunner/pkg/errx"
	logx "jobrunner/pkg/logx"
)

const stopBudgetShort = 2 * time.Second

// stopper runs shutdown steps, each bounded so one component can't stall the
// whole stop. A step never gets more time than the caller's deadline allows.
type stopper struct {
	ctx context.Context
	log logx.Logger
}

func newStopper(ctx context.Context, log logx.Logger) *stopper {
	if ctx == nil {
		ctx = context.Background()
	}
	return &stopper{ctx: ctx, log: log}
}

func (s *stopper) step(name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	s.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := s.ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		s.log.Warn("stop step skipped: no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(s.ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errx.Newf("panic in stop step %s: %s", name, fmt.Sprint(r))
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			s.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			s.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			s.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		s.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		// Report if and when the step finishes after all.
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				s.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				return
			}
			s.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
		}()
	}
}
