// Command stubs serves recorded signal batches over the ranking, policy and
// quote endpoints so the engine can run end to end without the model
// services.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/mlstock/internal/observ"
	"github.com/Rajchodisetti/mlstock/internal/stubs"
	"github.com/Rajchodisetti/mlstock/internal/transport"
)

func main() {
	addr := flag.String("addr", ":8091", "listen address")
	file := flag.String("file", "fixtures/replay.jsonl", "JSONL file of signal batches")
	restamp := flag.Bool("restamp", true, "stamp signals and quotes with the serving time")
	flag.Parse()

	logger := observ.NewLogger("info")
	defer logger.Sync()

	src, err := transport.OpenFile(*file, logger)
	if err != nil {
		log.Fatalf("open %s: %v", *file, err)
	}
	var batches []transport.Batch
	for {
		b, err := src.Next(context.Background())
		if errors.Is(err, transport.ErrExhausted) {
			break
		}
		if err != nil {
			log.Fatalf("read %s: %v", *file, err)
		}
		batches = append(batches, b)
	}
	src.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           stubs.NewSignalServer(batches, *restamp, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	logger.Info("signal stub listening", zap.String("addr", *addr), zap.Int("batches", len(batches)))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("signal stub stopped", zap.Error(err))
	}
}
