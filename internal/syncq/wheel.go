package syncq

import (
	"time"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/collection"
)

// wheelInterval bounds wake precision; backoff gates are re-checked against
// the clock on dispatch, so a coarse tick is enough.
const wheelInterval = 100 * time.Millisecond

// wakeWheel turns future instants (backoff gates, breaker cooldowns, idle
// polls) into pokes on the engine's wake channel, coalescing many timers
// onto one timing wheel instead of one goroutine per sleeping op.
type wakeWheel struct {
	tw   *collection.TimingWheel
	wake chan<- struct{}
}

func newWakeWheel(wake chan<- struct{}) (*wakeWheel, error) {
	w := &wakeWheel{wake: wake}
	tw, err := collection.NewTimingWheel(wheelInterval, 600, func(_, _ any) {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	w.tw = tw
	return w, nil
}

// ScheduleAfter arranges a wake poke once d has elapsed.
func (w *wakeWheel) ScheduleAfter(d time.Duration) {
	if d < wheelInterval {
		d = wheelInterval
	}
	_ = w.tw.SetTimer(uuid.NewString(), nil, d)
}

func (w *wakeWheel) Stop() {
	w.tw.Stop()
}
