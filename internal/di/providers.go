package di

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"CandleFlow/internal/domain/models"
	drepo "CandleFlow/internal/domain/repository"
	"CandleFlow/internal/handler/api"
	mid "CandleFlow/internal/middleware"
	internalrepo "CandleFlow/internal/repository"
	"CandleFlow/internal/service/cache"
	"CandleFlow/internal/service/finnhub"
	"CandleFlow/internal/service/markethours"
	"CandleFlow/internal/usecase"
	pkgch "CandleFlow/pkg/clickhouse"
	"CandleFlow/pkg/config"
	xhttp "CandleFlow/pkg/http"
	pkgkafka "CandleFlow/pkg/kafka"
	"CandleFlow/pkg/logger"
	"CandleFlow/pkg/metrics"
	"CandleFlow/pkg/questdb"
	"CandleFlow/pkg/server"
	xutil "CandleFlow/pkg/util"
)

const initTimeout = 10 * time.Second

func ProvideLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
}

// ProvideRegistry creates the registry served at the metrics path.
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func ProvideMetrics(reg *prometheus.Registry) drepo.Metrics {
	return metrics.New(reg)
}

func ProvideLocation(cfg *config.Config) (*time.Location, error) {
	return xutil.LoadLocation(cfg.Market.Timezone)
}

func ProvideMarketHours(cfg *config.Config, loc *time.Location) (*markethours.Session, error) {
	days, err := cfg.MarketWeekdays()
	if err != nil {
		return nil, err
	}
	var opts []markethours.Option
	if len(days) > 0 {
		opts = append(opts, markethours.WithWeekdays(days...))
	}
	if len(cfg.Market.Holidays) > 0 {
		opts = append(opts, markethours.WithHolidays(cfg.Market.Holidays...))
	}
	return markethours.New(loc, cfg.Market.Open, cfg.Market.Close, opts...)
}

func ProvideAggregators(cfg *config.Config, loc *time.Location, hours *markethours.Session, m drepo.Metrics, l *logger.Logger) (*usecase.AggregatorSet, error) {
	tfs, err := cfg.AggregatorTimeframes()
	if err != nil {
		return nil, err
	}
	return usecase.NewAggregatorSet(tfs,
		usecase.WithLocation(loc),
		usecase.WithMarketHours(hours),
		usecase.WithHistoryCapacity(cfg.Aggregator.HistoryCapacity),
		usecase.WithAggregatorShards(cfg.Aggregator.Shards),
		usecase.WithAggregatorMetrics(m),
		usecase.WithAggregatorLogger(l),
	), nil
}

// Storage is the configured history backend plus what the app must do with
// it: write completed candles, drop L2 entries, check health, close it.
type Storage struct {
	Store  drepo.Store
	Writer drepo.CandleWriter
	L2     *internalrepo.CachedStore
	Health func(context.Context) error
	Close  func() error
}

func ProvideStorage(cfg *config.Config, loc *time.Location, l *logger.Logger) (*Storage, error) {
	stored, err := cfg.StoredTimeframes()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	st := &Storage{Close: func() error { return nil }}
	switch cfg.Store.Type {
	case "clickhouse":
		client, err := pkgch.NewClient(ctx,
			pkgch.WithHost(cfg.ClickHouse.Host),
			pkgch.WithPort(cfg.ClickHouse.Port),
			pkgch.WithDatabase(cfg.ClickHouse.Database),
			pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
			pkgch.WithMaxConnections(10, 5),
			pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
			pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
			pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
			pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
		)
		if err != nil {
			return nil, fmt.Errorf("clickhouse client: %w", err)
		}
		store := internalrepo.NewClickHouseStore(client, cfg.ClickHouse.Database, cfg.Store.Table, stored)
		store.SetLogger(l)
		if err := client.InitSchema(ctx, store.Schema()); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("clickhouse schema: %w", err)
		}
		st.Store, st.Writer, st.Health, st.Close = store, store, client.Health, client.Close

	case "questdb":
		client, err := questdb.NewClient(ctx,
			questdb.WithHost(cfg.QuestDB.Host),
			questdb.WithPort(cfg.QuestDB.Port),
			questdb.WithDatabase(cfg.QuestDB.Database),
			questdb.WithCredentials(cfg.QuestDB.User, cfg.QuestDB.Password),
			questdb.WithPool(cfg.QuestDB.MinConns, cfg.QuestDB.MaxConns),
			questdb.WithConnectTimeout(cfg.QuestDB.ConnectTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("questdb client: %w", err)
		}
		store := internalrepo.NewQuestDBStore(client, cfg.Store.Table, stored)
		store.SetLogger(l)
		if err := store.InitSchema(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("questdb schema: %w", err)
		}
		st.Store, st.Writer, st.Health = store, store, client.Health
		st.Close = func() error { client.Close(); return nil }

	case "http":
		opts := []xhttp.ClientOption{
			xhttp.WithBaseURL(cfg.Broker.BaseURL),
			xhttp.WithTimeout(cfg.Broker.Timeout),
			xhttp.WithHeader("X-Kite-Version", "3"),
		}
		if cfg.Broker.APIKey != "" {
			opts = append(opts, xhttp.WithHeader("Authorization", "token "+cfg.Broker.APIKey+":"+cfg.Broker.AccessToken))
		}
		store := internalrepo.NewHTTPStore(xhttp.NewClient(opts...), loc)
		store.SetLogger(l)
		st.Store = store

	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Store.Type)
	}

	switch cfg.Store.L2 {
	case "redis":
		rc := cache.NewRedisCache(cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Prefix:   cfg.Redis.Prefix,
		})
		if err := rc.Ping(ctx); err != nil {
			// the decorator degrades to pass-through on cache errors
			l.Warn("redis unavailable, L2 cache misses until it returns", logger.Error(err))
		}
		st.L2 = internalrepo.NewCachedStore(st.Store, rc, cfg.Store.L2TTL)
		closeStore := st.Close
		st.Close = func() error {
			_ = rc.Close()
			return closeStore()
		}
	case "memory":
		st.L2 = internalrepo.NewCachedStore(st.Store, cache.NewTTLCache(), cfg.Store.L2TTL)
	}
	if st.L2 != nil {
		st.L2.SetLogger(l)
		st.Store = st.L2
	}
	return st, nil
}

// ProvideKafkaProducer returns nil when no brokers are configured.
func ProvideKafkaProducer(cfg *config.Config, reg *prometheus.Registry) (*pkgkafka.Producer, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatch(cfg.Kafka.Producer.BatchSize, cfg.Kafka.Producer.BatchBytes, cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
		pkgkafka.WithProducerRegisterer(reg),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

func ProvideTickProcessor(cfg *config.Config, aggs *usecase.AggregatorSet, producer *pkgkafka.Producer, m drepo.Metrics) (*usecase.TickProcessor, error) {
	var pub drepo.TickPublisher
	if producer != nil {
		pub = internalrepo.NewKafkaTickPublisher(producer, cfg.Kafka.TicksTopic)
	}
	return usecase.NewTickProcessor(aggs, pub, m, cfg.Ingest.Backend)
}

// ProvideCollector returns nil when the live feed is disabled.
func ProvideCollector(cfg *config.Config, proc *usecase.TickProcessor, m drepo.Metrics, l *logger.Logger) *usecase.TickCollector {
	if !cfg.Finnhub.Enabled {
		return nil
	}
	stream := finnhub.New(
		cfg.Finnhub.APIKey,
		cfg.Finnhub.WebSocketURL,
		cfg.Symbols,
		cfg.Finnhub.ReconnectDelay,
		cfg.Finnhub.PingInterval,
		l,
	)
	pipe := mid.NewRealtimePipeline(proc, m,
		mid.WithMaxRPS(cfg.Ingest.MaxRPS),
		mid.WithBufferSize(cfg.Ingest.BufferSize),
		mid.WithPipelineLogger(l),
	)
	return usecase.NewTickCollector(stream, pipe, m, l)
}

// ProvideKafkaConsumer returns nil unless the consumer is enabled.
func ProvideKafkaConsumer(cfg *config.Config, reg *prometheus.Registry, l *logger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Consumer.Enabled {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
		pkgkafka.WithConsumerRegisterer(reg),
		pkgkafka.WithConsumerLogger(l),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return consumer, nil
}

// ProvideKafkaTicksHandler aggregates consumed ticks directly, whatever the
// collector's backend is.
func ProvideKafkaTicksHandler(cfg *config.Config, aggs *usecase.AggregatorSet, m drepo.Metrics) (*usecase.KafkaTicksHandler, error) {
	direct, err := usecase.NewTickProcessor(aggs, nil, m, usecase.BackendDirect)
	if err != nil {
		return nil, err
	}
	return usecase.NewKafkaTicksHandler(cfg.Kafka.TicksTopic, direct, m), nil
}

// ProvideCandleSink subscribes the sink to every completed candle.
func ProvideCandleSink(cfg *config.Config, st *Storage, producer *pkgkafka.Producer, aggs *usecase.AggregatorSet, m drepo.Metrics, l *logger.Logger) *usecase.CandleSink {
	var writers []drepo.CandleWriter
	if cfg.Store.Persist && st.Writer != nil {
		writers = append(writers, st.Writer)
	}
	if producer != nil && cfg.Kafka.CandlesTopic != "" {
		writers = append(writers, internalrepo.NewKafkaCandlePublisher(producer, cfg.Kafka.CandlesTopic))
	}
	sink := usecase.NewCandleSink(m, writers,
		usecase.WithSinkBatch(cfg.Ingest.SinkBatch, cfg.Ingest.SinkFlush),
		usecase.WithSinkBuffer(cfg.Ingest.SinkBuffer),
		usecase.WithSinkWriteTimeout(cfg.Ingest.SinkTimeout),
		usecase.WithSinkLogger(l),
	)
	aggs.OnCandle(sink.Enqueue)
	return sink
}

func ProvideHistoricalCache(cfg *config.Config, st *Storage, loc *time.Location, hours *markethours.Session, m drepo.Metrics, l *logger.Logger) *usecase.HistoricalCache {
	minutes := make(map[models.AssetType]int, len(usecase.DefaultTradingMinutes))
	for k, v := range usecase.DefaultTradingMinutes {
		minutes[k] = v
	}
	// the configured session sizes lookbacks for everything but crypto
	for _, a := range []models.AssetType{models.AssetEquity, models.AssetIndex, models.AssetFuture} {
		minutes[a] = hours.TradingMinutes()
	}
	return usecase.NewHistoricalCache(st.Store,
		usecase.WithRefreshInterval(cfg.Cache.RefreshInterval),
		usecase.WithFetchTimeout(cfg.Cache.FetchTimeout),
		usecase.WithLookback(cfg.Cache.LookbackBuffer, cfg.Cache.SafetyDays),
		usecase.WithTradingMinutes(minutes),
		usecase.WithCacheLocation(loc),
		usecase.WithPreloadConcurrency(cfg.Cache.PreloadConcurrency),
		usecase.WithCacheMetrics(m),
		usecase.WithCacheLogger(l),
	)
}

func ProvideCoordinator(cfg *config.Config, hc *usecase.HistoricalCache, aggs *usecase.AggregatorSet, m drepo.Metrics, l *logger.Logger) *usecase.DataCoordinator {
	return usecase.NewDataCoordinator(hc, aggs,
		usecase.WithCoordinatorMetrics(m),
		usecase.WithCoordinatorLogger(l),
		usecase.WithAssetResolver(cfg.AssetTypeOf),
	)
}

func ProvideCandlesUseCase(st *Storage, aggs *usecase.AggregatorSet, loc *time.Location) *usecase.CandlesUseCase {
	return usecase.NewCandlesUseCase(st.Store, aggs, loc)
}

func ProvideMarketDataHandler(cfg *config.Config, l *logger.Logger, coord *usecase.DataCoordinator, hc *usecase.HistoricalCache, candles *usecase.CandlesUseCase, st *Storage) *api.MarketDataHandler {
	opts := []api.Option{
		api.WithStrategies(cfg.Strategies),
		api.WithSymbols(xutil.NormalizeSymbols(cfg.Symbols)),
		api.WithAssetResolver(cfg.AssetTypeOf),
		api.WithPreloadTimeout(cfg.Cache.PreloadTimeout),
	}
	if st.L2 != nil {
		opts = append(opts, api.WithInvalidators(st.L2))
	}
	h := api.NewMarketDataHandler(l, coord, hc, candles, opts...)
	h.SetHealthCheck(st.Health)
	return h
}

func ProvideHTTPServer(cfg *config.Config, h *api.MarketDataHandler, reg *prometheus.Registry, l *logger.Logger) *xhttp.Server {
	opts := []xhttp.ServerOption{
		xhttp.WithHost(cfg.Server.Host),
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithCORS(cfg.Server.CORS),
		xhttp.WithSlowRequestThreshold(cfg.Server.SlowRequest),
		xhttp.WithLogger(l),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, xhttp.WithMetrics(reg, cfg.Metrics.Path))
	}
	return xhttp.NewServer(h, opts...)
}

func ProvideApp(
	cfg *config.Config,
	l *logger.Logger,
	srv *xhttp.Server,
	collector *usecase.TickCollector,
	consumer *pkgkafka.Consumer,
	kh *usecase.KafkaTicksHandler,
	sink *usecase.CandleSink,
	coord *usecase.DataCoordinator,
	st *Storage,
	producer *pkgkafka.Producer,
) *server.App {
	opts := []server.Option{
		server.WithSink(sink),
		server.WithCloser("store", st.Close),
	}
	if producer != nil {
		opts = append(opts, server.WithCloser("kafka producer", producer.Close))
	}
	if collector != nil {
		opts = append(opts, server.WithCollector(collector))
	}
	if consumer != nil {
		opts = append(opts, server.WithConsumer(consumer, kh))
	}
	if cfg.Cache.PreloadOnStart && len(cfg.Strategies) > 0 {
		symbols := xutil.NormalizeSymbols(cfg.Symbols)
		opts = append(opts, server.WithStartupPreload(func(ctx context.Context) error {
			return coord.Preload(ctx, cfg.Strategies, symbols)
		}, cfg.Cache.PreloadTimeout))
	}
	return server.New(cfg, l, srv, opts...)
}
