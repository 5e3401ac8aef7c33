package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/saltfish/wfsearch/internal/domain"
	"github.com/saltfish/wfsearch/internal/planner"
	"github.com/saltfish/wfsearch/internal/strategy"
)

// StrategyObserver publishes strategy events to the bus.
// Publish failures are logged and never reach the strategy.
type StrategyObserver struct {
	strategy.NopObserver

	publisher Publisher
	logger    *zap.Logger
}

// NewStrategyObserver creates a StrategyObserver.
func NewStrategyObserver(publisher Publisher, logger *zap.Logger) *StrategyObserver {
	return &StrategyObserver{publisher: publisher, logger: logger}
}

func (o *StrategyObserver) OnPlanned(runID uuid.UUID, windows []planner.Window, took time.Duration) {
	o.check(o.publisher.PublishIterationPlanned(runID, windows, took), RoutingKeyIterationPlanned)
}

func (o *StrategyObserver) OnDispatched(job *domain.Job) {
	o.check(o.publisher.PublishJobDispatched(job), RoutingKeyJobDispatched)
}

func (o *StrategyObserver) OnPromoted(job *domain.Job, score decimal.Decimal) {
	o.check(o.publisher.PublishParametersPromoted(job, score), RoutingKeyParametersPromoted)
}

func (o *StrategyObserver) check(err error, routingKey string) {
	if err != nil {
		o.logger.Warn("Failed to publish strategy event",
			zap.String("routing_key", routingKey),
			zap.Error(err),
		)
	}
}

var _ strategy.Observer = (*StrategyObserver)(nil)
