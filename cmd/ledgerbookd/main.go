package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/orbitfi/ledgerbook/internal/book"
	"github.com/orbitfi/ledgerbook/internal/config"
	"github.com/orbitfi/ledgerbook/internal/ledger"
	"github.com/orbitfi/ledgerbook/internal/server"
	"github.com/orbitfi/ledgerbook/internal/sink"
	"github.com/orbitfi/ledgerbook/internal/transport"
	"github.com/orbitfi/ledgerbook/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer zapLogger.Sync()

	if err := run(cfg, zapLogger); err != nil {
		zapLogger.Fatal("daemon failed", zap.Error(err))
	}
}

func run(cfg *config.Config, zapLogger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	remote, err := transport.Dial(ctx, cfg.Remote.URL, zapLogger, transport.Options{
		HandshakeTimeout: cfg.Remote.HandshakeTimeout,
		RequestTimeout:   cfg.Remote.RequestTimeout,
		PingInterval:     cfg.Remote.PingInterval,
		ReconnectMax:     cfg.Remote.ReconnectMax,
	})
	if err != nil {
		return err
	}
	defer remote.Close()

	books := make([]*book.Book, 0, len(cfg.Books))
	for _, bc := range cfg.Books {
		b, err := book.New(remote, ledger.BookID{
			GetsCurrency: bc.GetsCurrency,
			GetsIssuer:   bc.GetsIssuer,
			PaysCurrency: bc.PaysCurrency,
			PaysIssuer:   bc.PaysIssuer,
		}, zapLogger)
		if err != nil {
			return err
		}
		books = append(books, b)
		// Holding a listener keeps the book subscribed for the daemon's
		// lifetime.
		b.Subscribe(func(book.Event) {})
	}

	var kafkaSink *sink.KafkaSink
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink = sink.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, zapLogger)
		for _, b := range books {
			kafkaSink.Attach(b)
		}
		defer kafkaSink.Close()
	}

	srv := server.New(cfg.HTTP.Addr, books, zapLogger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zapLogger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
