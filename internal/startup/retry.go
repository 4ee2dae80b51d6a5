package startup

import (
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/friendchat/internal/logger"
)

// retryOrExit повторяет connect с экспоненциальной паузой (2s..30s) до maxWait; затем завершает процесс.
func retryOrExit(what string, maxWait time.Duration, logPrefix string, connect func() error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = maxWait

	notify := func(err error, next time.Duration) {
		logger.Errorf("%s%s failed, retry in %v: %v", logPrefix, what, next, err)
	}
	if err := backoff.RetryNotify(connect, b, notify); err != nil {
		logger.Errorf("%s%s (gave up after %v): %v", logPrefix, what, maxWait, err)
		// даём асинхронному логгеру дописать сообщение
		time.Sleep(100 * time.Millisecond)
		os.Exit(1)
	}
}
