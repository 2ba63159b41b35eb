package cappeddb

import (
	"os"
	"os/signal"
	"syscall"
)

// exitHook runs from logrus.Exit, possibly after Close already ran
func (db *DB) exitHook() {
	if err := db.Close(); err != nil {
		db.l.WithError(err).Error("Error closing capped database on exit")
	}
}

// handleSignals closes the DB on SIGINT or SIGTERM and then raises the
// signal again with the handler removed, so the process still terminates.
// The returned func stops the handler.
func (db *DB) handleSignals() (stop func()) {
	ch := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-ch:
			db.l.WithField("signal", sig).Info("Closing capped database on signal")
			signal.Stop(ch)
			db.exitHook()
			if p, err := os.FindProcess(os.Getpid()); err == nil {
				_ = p.Signal(sig)
			}
		case <-done:
			signal.Stop(ch)
		}
	}()
	return func() {
		close(done)
	}
}
