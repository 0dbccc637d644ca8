package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"CandleFlow/internal/domain/models"
)

// EnvPrefix namespaces every environment override, e.g. CANDLEFLOW_SERVER_PORT.
const EnvPrefix = "CANDLEFLOW_"

type Config struct {
	Environment string           `yaml:"environment" env:"ENVIRONMENT" default:"development" validate:"oneof=development staging production"`
	Server      ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Metrics     MetricsConfig    `yaml:"metrics" envPrefix:"METRICS_"`
	Log         LogConfig        `yaml:"log" envPrefix:"LOG_"`
	Market      MarketConfig     `yaml:"market" envPrefix:"MARKET_"`
	Aggregator  AggregatorConfig `yaml:"aggregator" envPrefix:"AGGREGATOR_"`
	Cache       CacheConfig      `yaml:"cache" envPrefix:"CACHE_"`
	Store       StoreConfig      `yaml:"store" envPrefix:"STORE_"`
	ClickHouse  ClickHouseConfig `yaml:"clickhouse" envPrefix:"CLICKHOUSE_"`
	QuestDB     QuestDBConfig    `yaml:"questdb" envPrefix:"QUESTDB_"`
	Broker      BrokerConfig     `yaml:"broker" envPrefix:"BROKER_"`
	Redis       RedisConfig      `yaml:"redis" envPrefix:"REDIS_"`
	Kafka       KafkaConfig      `yaml:"kafka" envPrefix:"KAFKA_"`
	Finnhub     FinnhubConfig    `yaml:"finnhub" envPrefix:"FINNHUB_"`
	Ingest      IngestConfig     `yaml:"ingest" envPrefix:"INGEST_"`

	// Strategies maps a strategy name to the candles it evaluates.
	Strategies map[string]models.DataRequirement `yaml:"strategies" validate:"dive"`
	Symbols    []string                          `yaml:"symbols" env:"SYMBOLS" envSeparator:","`
	// AssetTypes overrides the equity calendar per symbol.
	AssetTypes map[string]models.AssetType `yaml:"asset_types"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT" default:"8080" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" default:"15s"`
	SlowRequest     time.Duration `yaml:"slow_request" env:"SLOW_REQUEST" default:"500ms"`
	CORS            bool          `yaml:"cors" env:"CORS" default:"true"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED" default:"true"`
	Path    string `yaml:"path" env:"PATH" default:"/metrics"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL" default:"info" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" env:"FORMAT" default:"json" validate:"oneof=json console"`
	Output string `yaml:"output" env:"OUTPUT" default:"stdout"`
}

// MarketConfig describes the exchange session. Open equal to Close means the
// market never closes.
type MarketConfig struct {
	Timezone string   `yaml:"timezone" env:"TIMEZONE" default:"Asia/Kolkata"`
	Open     string   `yaml:"open" env:"OPEN" default:"09:15"`
	Close    string   `yaml:"close" env:"CLOSE" default:"15:30"`
	Weekdays []string `yaml:"weekdays" env:"WEEKDAYS" envSeparator:","`
	Holidays []string `yaml:"holidays" env:"HOLIDAYS" envSeparator:","`
}

type AggregatorConfig struct {
	Timeframes      []string `yaml:"timeframes" env:"TIMEFRAMES" envSeparator:"," default:"[\"1minute\",\"5minute\",\"15minute\"]" validate:"min=1"`
	HistoryCapacity int      `yaml:"history_capacity" env:"HISTORY_CAPACITY" default:"1000" validate:"gt=0"`
	Shards          int      `yaml:"shards" env:"SHARDS" default:"32" validate:"gt=0"`
}

type CacheConfig struct {
	RefreshInterval    time.Duration `yaml:"refresh_interval" env:"REFRESH_INTERVAL" default:"5m"`
	FetchTimeout       time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT" default:"30s"`
	LookbackBuffer     float64       `yaml:"lookback_buffer" env:"LOOKBACK_BUFFER" default:"1.5" validate:"gte=1"`
	SafetyDays         int           `yaml:"safety_days" env:"SAFETY_DAYS" default:"5" validate:"gte=0"`
	PreloadConcurrency int           `yaml:"preload_concurrency" env:"PRELOAD_CONCURRENCY" default:"8" validate:"gt=0"`
	PreloadOnStart     bool          `yaml:"preload_on_start" env:"PRELOAD_ON_START" default:"true"`
	PreloadTimeout     time.Duration `yaml:"preload_timeout" env:"PRELOAD_TIMEOUT" default:"5m"`
}

// StoreConfig picks the history backend and its optional second-level cache.
type StoreConfig struct {
	Type       string        `yaml:"type" env:"TYPE" default:"clickhouse" validate:"oneof=clickhouse questdb http"`
	Timeframes []string      `yaml:"timeframes" env:"TIMEFRAMES" envSeparator:"," default:"[\"1minute\",\"1day\"]"`
	Table      string        `yaml:"table" env:"TABLE" default:"candles"`
	Persist    bool          `yaml:"persist" env:"PERSIST" default:"true"`
	L2         string        `yaml:"l2" env:"L2" default:"none" validate:"oneof=redis memory none"`
	L2TTL      time.Duration `yaml:"l2_ttl" env:"L2_TTL" default:"1m"`
}

type ClickHouseConfig struct {
	Host             string        `yaml:"host" env:"HOST" default:"localhost"`
	Port             int           `yaml:"port" env:"PORT" default:"9000"`
	Database         string        `yaml:"database" env:"DATABASE" default:"candleflow"`
	User             string        `yaml:"user" env:"USER" default:"default"`
	Password         string        `yaml:"password" env:"PASSWORD"`
	UseHTTP          bool          `yaml:"use_http" env:"USE_HTTP"`
	AsyncInsert      bool          `yaml:"async_insert" env:"ASYNC_INSERT"`
	WaitForAsync     bool          `yaml:"wait_for_async_insert" env:"WAIT_FOR_ASYNC_INSERT"`
	DialTimeout      time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT" default:"5s"`
	ReadTimeout      time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT" default:"30s"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time" env:"MAX_EXECUTION_TIME" default:"60s"`
}

type QuestDBConfig struct {
	Host           string        `yaml:"host" env:"HOST" default:"localhost"`
	Port           int           `yaml:"port" env:"PORT" default:"8812"`
	Database       string        `yaml:"database" env:"DATABASE" default:"qdb"`
	User           string        `yaml:"user" env:"USER" default:"admin"`
	Password       string        `yaml:"password" env:"PASSWORD" default:"quest"`
	MinConns       int32         `yaml:"min_conns" env:"MIN_CONNS" default:"1"`
	MaxConns       int32         `yaml:"max_conns" env:"MAX_CONNS" default:"10"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT" default:"10s"`
}

// BrokerConfig points the http store at a broker's historical candles API.
type BrokerConfig struct {
	BaseURL     string        `yaml:"base_url" env:"BASE_URL"`
	APIKey      string        `yaml:"api_key" env:"API_KEY"`
	AccessToken string        `yaml:"access_token" env:"ACCESS_TOKEN"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT" default:"15s"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR" default:"localhost:6379"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	PoolSize int    `yaml:"pool_size" env:"POOL_SIZE" default:"10"`
	Prefix   string `yaml:"prefix" env:"PREFIX" default:"candleflow:"`
}

type KafkaConfig struct {
	Brokers      []string       `yaml:"brokers" env:"BROKERS" envSeparator:","`
	TicksTopic   string         `yaml:"ticks_topic" env:"TICKS_TOPIC" default:"ticks"`
	CandlesTopic string         `yaml:"candles_topic" env:"CANDLES_TOPIC"`
	RequiredAcks int            `yaml:"required_acks" env:"REQUIRED_ACKS" default:"1"`
	Compression  string         `yaml:"compression" env:"COMPRESSION" default:"snappy"`
	Producer     ProducerConfig `yaml:"producer" envPrefix:"PRODUCER_"`
	Consumer     ConsumerConfig `yaml:"consumer" envPrefix:"CONSUMER_"`
}

type ProducerConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" env:"MAX_ATTEMPTS" default:"5"`
	Linger       time.Duration `yaml:"linger" env:"LINGER" default:"10ms"`
	BatchBytes   int           `yaml:"batch_bytes" env:"BATCH_BYTES" default:"1048576"`
	BatchSize    int           `yaml:"batch_size" env:"BATCH_SIZE" default:"500"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT" default:"10s"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT" default:"10s"`
	Async        bool          `yaml:"async" env:"ASYNC"`
}

type ConsumerConfig struct {
	Enabled    bool          `yaml:"enabled" env:"ENABLED"`
	GroupID    string        `yaml:"group_id" env:"GROUP_ID" default:"candleflow"`
	Workers    int           `yaml:"workers" env:"WORKERS" default:"4"`
	BufferSize int           `yaml:"buffer_size" env:"BUFFER_SIZE" default:"256"`
	RetryMax   int           `yaml:"retry_max" env:"RETRY_MAX" default:"3"`
	BackoffMin time.Duration `yaml:"backoff_min" env:"BACKOFF_MIN" default:"50ms"`
	BackoffMax time.Duration `yaml:"backoff_max" env:"BACKOFF_MAX" default:"2s"`
	DLQTopic   string        `yaml:"dlq_topic" env:"DLQ_TOPIC"`
	MinBytes   int           `yaml:"min_bytes" env:"MIN_BYTES" default:"10000"`
	MaxBytes   int           `yaml:"max_bytes" env:"MAX_BYTES" default:"10000000"`
}

type FinnhubConfig struct {
	Enabled        bool          `yaml:"enabled" env:"ENABLED"`
	APIKey         string        `yaml:"api_key" env:"API_KEY"`
	WebSocketURL   string        `yaml:"websocket_url" env:"WEBSOCKET_URL" default:"wss://ws.finnhub.io"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" env:"RECONNECT_DELAY" default:"5s"`
	PingInterval   time.Duration `yaml:"ping_interval" env:"PING_INTERVAL" default:"30s"`
}

// IngestConfig controls the path from the tick source to the aggregators.
// Backend "kafka" publishes raw ticks and leaves aggregation to the consumer.
type IngestConfig struct {
	Backend     string        `yaml:"backend" env:"BACKEND" default:"direct" validate:"oneof=direct kafka"`
	MaxRPS      int           `yaml:"max_rps" env:"MAX_RPS" validate:"gte=0"`
	BufferSize  int           `yaml:"buffer_size" env:"BUFFER_SIZE" default:"1000" validate:"gt=0"`
	SinkBatch   int           `yaml:"sink_batch" env:"SINK_BATCH" default:"200" validate:"gt=0"`
	SinkFlush   time.Duration `yaml:"sink_flush" env:"SINK_FLUSH" default:"1s"`
	SinkBuffer  int           `yaml:"sink_buffer" env:"SINK_BUFFER" default:"4096" validate:"gt=0"`
	SinkTimeout time.Duration `yaml:"sink_timeout" env:"SINK_TIMEOUT" default:"10s"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load fills defaults, overlays the YAML at path, applies CANDLEFLOW_*
// environment overrides and validates the result. A missing file yields a
// config built from defaults and the environment alone.
func Load(path string) (*Config, error) {
	var c Config
	// defaults first so an explicit false or zero in YAML survives
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &c); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := env.ParseWithOptions(&c, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// LoadWithEnv loads the .env files first so they feed the overrides.
func LoadWithEnv(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return Load(path)
}

// Validate runs tag validation plus the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if _, err := c.AggregatorTimeframes(); err != nil {
		return err
	}
	if _, err := c.StoredTimeframes(); err != nil {
		return err
	}
	if _, err := c.MarketWeekdays(); err != nil {
		return err
	}
	for name, req := range c.Strategies {
		if !req.Timeframe.IsValid() {
			return fmt.Errorf("strategies.%s: unsupported timeframe %q", name, req.Timeframe)
		}
	}
	for sym, a := range c.AssetTypes {
		if _, err := models.ParseAssetType(string(a)); err != nil {
			return fmt.Errorf("asset_types.%s: %w", sym, err)
		}
	}
	if c.Ingest.Backend == "kafka" && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("ingest.backend=kafka requires kafka.brokers")
	}
	if c.Kafka.Consumer.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.consumer.enabled requires kafka.brokers")
	}
	if c.Store.Type == "http" && c.Broker.BaseURL == "" {
		return fmt.Errorf("store.type=http requires broker.base_url")
	}
	if c.Finnhub.Enabled && c.Finnhub.APIKey == "" {
		return fmt.Errorf("finnhub.api_key is required when finnhub is enabled")
	}
	return nil
}

func (c *Config) AggregatorTimeframes() ([]models.Timeframe, error) {
	return parseTimeframes("aggregator.timeframes", c.Aggregator.Timeframes)
}

func (c *Config) StoredTimeframes() ([]models.Timeframe, error) {
	return parseTimeframes("store.timeframes", c.Store.Timeframes)
}

func parseTimeframes(field string, raw []string) ([]models.Timeframe, error) {
	out := make([]models.Timeframe, 0, len(raw))
	for _, s := range raw {
		tf, err := models.ParseTimeframe(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		out = append(out, tf)
	}
	return out, nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// MarketWeekdays returns nil when weekdays are not configured.
func (c *Config) MarketWeekdays() ([]time.Weekday, error) {
	var out []time.Weekday
	for _, d := range c.Market.Weekdays {
		key := strings.ToLower(strings.TrimSpace(d))
		if len(key) > 3 {
			key = key[:3]
		}
		wd, ok := weekdayNames[key]
		if !ok {
			return nil, fmt.Errorf("market.weekdays: unknown day %q", d)
		}
		out = append(out, wd)
	}
	return out, nil
}

// AssetTypeOf falls back to equity for symbols without an override.
func (c *Config) AssetTypeOf(symbol string) models.AssetType {
	if a, ok := c.AssetTypes[symbol]; ok {
		return a
	}
	return models.AssetEquity
}
