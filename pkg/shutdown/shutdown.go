// pkg/shutdown/shutdown.go
package shutdown

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/kafka-gateway/pkg/logger"
)

// Graceful runs fn with a timeout and logs the outcome under name.
func Graceful(name string, timeout time.Duration, fn func(ctx context.Context) error, log *logger.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	log.Info("shutdown: stopping " + name)
	if err := fn(ctx); err != nil {
		log.Error("shutdown: error in "+name, zap.Error(err))
		return err
	}
	log.Info("shutdown: " + name + " stopped cleanly")
	return nil
}
