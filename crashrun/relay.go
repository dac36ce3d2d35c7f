package crashrun

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
)

// running is the target while it is supervised. Signals meant for "the
// process" reach the launcher's pid and get passed on to it.
var running atomic.Pointer[os.Process]

// relay keeps the launcher transparent to signals while a target runs.
// SIGINT and SIGQUIT come from the terminal, which already sent them to the
// whole foreground process group, so they are dropped. SIGTERM and SIGHUP are
// usually aimed at the launcher's pid alone and are forwarded. SIGABRT is
// forwarded by the handler installed in Arm.
type relay struct {
	c    chan os.Signal
	done chan struct{}
}

func startRelay(target *os.Process, logger *zap.Logger) *relay {
	r := &relay{
		c:    make(chan os.Signal, 4),
		done: make(chan struct{}),
	}
	running.Store(target)
	signal.Notify(r.c, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		defer close(r.done)
		for sig := range r.c {
			switch sig {
			case syscall.SIGTERM, syscall.SIGHUP:
				if err := target.Signal(sig); err != nil {
					logger.Debug("forwarding signal", zap.Stringer("signal", sig), zap.Error(err))
				}
			}
		}
	}()
	return r
}

// stop restores the launcher's own signal handling once the target is gone.
func (r *relay) stop() {
	running.Store(nil)
	signal.Stop(r.c)
	close(r.c)
	<-r.done
}
