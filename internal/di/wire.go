//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"CandleFlow/pkg/config"
	"CandleFlow/pkg/server"
)

// InitializeApp wires up all dependencies and returns the application.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// ambient
		ProvideLogger,
		ProvideRegistry,
		ProvideMetrics,
		ProvideLocation,
		ProvideMarketHours,

		// infrastructure
		ProvideStorage,
		ProvideKafkaProducer,
		ProvideKafkaConsumer,

		// use cases
		ProvideAggregators,
		ProvideTickProcessor,
		ProvideCollector,
		ProvideKafkaTicksHandler,
		ProvideCandleSink,
		ProvideHistoricalCache,
		ProvideCoordinator,
		ProvideCandlesUseCase,

		// delivery
		ProvideMarketDataHandler,
		ProvideHTTPServer,
		ProvideApp,
	)
	return &server.App{}, nil
}
