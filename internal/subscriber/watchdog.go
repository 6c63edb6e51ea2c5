package subscriber

import (
	"context"
	"time"

	"github.com/tendermint/tm-projector/libs/log"
	"github.com/tendermint/tm-projector/libs/service"
)

// Watchdog calls onExpire once no inbound traffic was seen on a connection
// for longer than the timeout. It only signals; dropping the connection is
// up to the controller.
type Watchdog struct {
	service.BaseService

	logger   log.Logger
	timeout  time.Duration
	activity func() time.Time
	onExpire func()

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatchdog returns a Watchdog polling activity for the time of the last
// inbound traffic.
func NewWatchdog(logger log.Logger, timeout time.Duration, activity func() time.Time, onExpire func()) *Watchdog {
	w := &Watchdog{
		logger:   logger,
		timeout:  timeout,
		activity: activity,
		onExpire: onExpire,
	}
	w.BaseService = *service.NewBaseService(logger, "Watchdog", w)
	return w
}

// OnStart implements service.Service.
func (w *Watchdog) OnStart(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx)
	return nil
}

// OnStop implements service.Service.
func (w *Watchdog) OnStop() {
	w.cancel()
	<-w.done
}

func (w *Watchdog) loop(ctx context.Context) {
	defer close(w.done)

	period := w.timeout / 4
	if period < time.Millisecond {
		period = time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(w.activity())
			if idle >= w.timeout {
				w.logger.Error("event source went silent", "idle", idle, "timeout", w.timeout)
				w.onExpire()
				return
			}
		}
	}
}
