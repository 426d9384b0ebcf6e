package childproc

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// WatchSignals forwards the daemon's process signals into the monitor.
//
// Delivery goes through os/signal: the runtime installs its handler on
// every thread, so a process-directed signal is caught no matter which
// thread the kernel hands it to. os/signal does not expose the sending
// pid, so these deliveries all route to the parent pseudo-process;
// anything that needs to know which child an event came from gets it
// over a pipe instead (see StartOptions.ReadyPipe).
func (m *Monitor) WatchSignals(ctx context.Context, sigs ...os.Signal) error {
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2}
	}
	ch := make(chan os.Signal, 16)
	signal.Notify(ch, sigs...)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-ch:
				if sig, ok := s.(syscall.Signal); ok {
					m.DeliverSignal(sig, 0)
				}
			}
		}
	}()
	return nil
}
