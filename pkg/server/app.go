package server

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"CandleFlow/internal/usecase"
	"CandleFlow/pkg/config"
	xhttp "CandleFlow/pkg/http"
	pkgkafka "CandleFlow/pkg/kafka"
	applogger "CandleFlow/pkg/logger"
)

type closer struct {
	name string
	fn   func() error
}

type Option func(*App)

// WithCollector runs a live tick source. Nil leaves the app without one.
func WithCollector(c *usecase.TickCollector) Option {
	return func(a *App) { a.collector = c }
}

// WithConsumer registers kh on the consumer and starts it with the app.
func WithConsumer(c *pkgkafka.Consumer, kh pkgkafka.MessageHandler) Option {
	return func(a *App) { a.consumer, a.kh = c, kh }
}

func WithSink(s *usecase.CandleSink) Option {
	return func(a *App) { a.sink = s }
}

// WithStartupPreload runs fn before any tick is accepted.
func WithStartupPreload(fn func(ctx context.Context) error, timeout time.Duration) Option {
	return func(a *App) { a.preload, a.preloadTimeout = fn, timeout }
}

// WithCloser releases an infrastructure client on shutdown. Closers run in
// reverse registration order.
func WithCloser(name string, fn func() error) Option {
	return func(a *App) {
		if fn != nil {
			a.closers = append(a.closers, closer{name: name, fn: fn})
		}
	}
}

// App owns the lifecycle of every long-running component.
type App struct {
	cfg        *config.Config
	l          *applogger.Logger
	httpServer *xhttp.Server

	collector      *usecase.TickCollector
	consumer       *pkgkafka.Consumer
	kh             pkgkafka.MessageHandler
	sink           *usecase.CandleSink
	preload        func(ctx context.Context) error
	preloadTimeout time.Duration
	closers        []closer
}

func New(cfg *config.Config, l *applogger.Logger, httpServer *xhttp.Server, opts ...Option) *App {
	if l == nil {
		l = applogger.Nop()
	}
	a := &App{cfg: cfg, l: l, httpServer: httpServer, preloadTimeout: 5 * time.Minute}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Run starts the app and blocks until SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(err, a.Shutdown(shutdownCtx))
	}
	<-ctx.Done()
	a.l.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// Start brings components up in dependency order: cache preload, candle
// sink, Kafka consumer, live collector, then the HTTP API.
func (a *App) Start(ctx context.Context) error {
	if a.preload != nil {
		began := time.Now()
		pctx, cancel := context.WithTimeout(ctx, a.preloadTimeout)
		err := a.preload(pctx)
		cancel()
		if err != nil {
			// a cold cache still serves, it just pays the fetch on first use
			a.l.Warn("startup preload incomplete", applogger.Error(err))
		} else {
			a.l.Info("startup preload done", applogger.Duration("duration_ms", time.Since(began)))
		}
	}

	if a.sink != nil {
		a.sink.Start()
	}

	if a.consumer != nil && a.kh != nil {
		a.consumer.RegisterHandler(a.kh)
		if err := a.consumer.Start(); err != nil {
			return err
		}
		a.l.Info("kafka consumer started", applogger.String("topic", a.kh.Topic()))
	}

	if a.collector != nil {
		if err := a.collector.Start(ctx); err != nil {
			return err
		}
		a.l.Info("collector started", applogger.Strings("symbols", a.cfg.Symbols))
	}

	if a.httpServer != nil {
		if err := a.httpServer.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown stops intake first so that every accepted tick reaches the sink
// before the sink drains, then releases clients.
func (a *App) Shutdown(ctx context.Context) error {
	a.l.Info("shutting down")
	var errs []error

	if a.httpServer != nil {
		if err := a.httpServer.Stop(ctx); err != nil {
			a.l.Error("http shutdown error", applogger.Error(err))
			errs = append(errs, err)
		}
	}
	if a.collector != nil {
		if err := a.collector.Shutdown(ctx); err != nil {
			a.l.Warn("collector stop error", applogger.Error(err))
			errs = append(errs, err)
		}
	}
	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			a.l.Warn("kafka consumer stop error", applogger.Error(err))
			errs = append(errs, err)
		}
	}
	if a.sink != nil {
		if err := a.sink.Stop(ctx); err != nil {
			a.l.Warn("candle sink stop error", applogger.Error(err))
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.l.Warn("close error", applogger.String("component", c.name), applogger.Error(err))
			errs = append(errs, err)
		}
	}

	a.l.Info("shutdown complete")
	return errors.Join(errs...)
}
