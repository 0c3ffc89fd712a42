package shutdown

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func CreateGracefulShutdownChannel() chan os.Signal {
	gracefulShutdown := make(chan os.Signal, 1)
	signal.Notify(gracefulShutdown, syscall.SIGINT, syscall.SIGTERM)
	return gracefulShutdown
}

// ListenForShutdown blocks until a shutdown signal arrives, invokes the
// provided handler, then waits up to gracePeriod before signaling done.
func ListenForShutdown(
	notifier chan os.Signal,
	done chan bool,
	onShutdown func(),
	gracePeriod time.Duration,
	logger *zap.Logger,
) {
	sig := <-notifier
	logger.Sugar().Infow("Received shutdown signal",
		zap.String("signal", sig.String()),
	)

	onShutdown()

	select {
	case <-done:
	case <-time.After(gracePeriod):
		logger.Sugar().Warnw("Graceful shutdown grace period elapsed, exiting")
	}
}
