/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package outbound

import (
	"context"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/service"
)

// DefaultMetricsPublishInterval is the default interval of the metrics publisher.
const DefaultMetricsPublishInterval = time.Second * 10

// NewMetricsPublisher creates a periodic worker that publishes the limiter's
// per-partition gauge set on the passed interval until its context is done.
// Run it the way any go-appkit service worker is run:
//
//	publisher := outbound.NewMetricsPublisher(lim, outbound.DefaultMetricsPublishInterval, logger)
//	go func() { _ = publisher.Run(ctx) }()
func NewMetricsPublisher(l *Limiter, interval time.Duration, logger log.FieldLogger) *service.PeriodicWorker {
	if interval == 0 {
		interval = DefaultMetricsPublishInterval
	}
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	return service.NewPeriodicWorker(service.WorkerFunc(func(ctx context.Context) error {
		l.PublishMetrics()
		return nil
	}), interval, logger)
}
