package group

import (
	"time"

	"github.com/codership/gcommgo/cmn"
)

// timerRunner adapts a periodic tick function into a cmn.Runner, the
// generalized form of the teacher's keepalive runners (e.g.
// proxyKeepaliveRunner in ais/daemon.go): a named goroutine ticking at a
// fixed period until Stop is called.
type timerRunner struct {
	name   string
	period time.Duration
	tick   func()
	stopCh chan error
}

func newTimerRunner(period time.Duration, tick func()) *timerRunner {
	return &timerRunner{period: period, tick: tick, stopCh: make(chan error, 1)}
}

func (t *timerRunner) Setname(n string) { t.name = n }
func (t *timerRunner) Getname() string  { return t.name }

func (t *timerRunner) Run() error {
	ticker := time.NewTicker(t.period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.tick()
		case err := <-t.stopCh:
			return err
		}
	}
}

func (t *timerRunner) Stop(err error) {
	select {
	case t.stopCh <- err:
	default:
	}
}

var _ cmn.Runner = (*timerRunner)(nil)
