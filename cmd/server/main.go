package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fenrir/internal/api"
	"fenrir/internal/config"
	"fenrir/internal/journal"
	"fenrir/internal/logging"
	"fenrir/internal/net"
	"fenrir/internal/publisher"
	"fenrir/internal/sequencer"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logCloser, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	limits, err := cfg.PairLimits()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	// Events flow from the sequencer to every sink through one fanout.
	fanout := publisher.NewFanout(cfg.Sequencer.PublishBuffer, publisher.LogSink{})
	if len(cfg.Kafka.Brokers) > 0 {
		kafka := publisher.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.TopicPrefix)
		defer kafka.Close()
		fanout.AddSink(kafka)
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("prefix", cfg.Kafka.TopicPrefix).Msg("kafka sink enabled")
	}
	hub := api.NewHub()
	fanout.AddSink(hub)

	opts := []sequencer.Option{sequencer.WithPublisher(fanout)}
	if cfg.Journal.Dir != "" {
		j, err := journal.Open(cfg.Journal.Dir, journal.Options{})
		if err != nil {
			return err
		}
		defer j.Close()
		for symbol := range limits {
			if last, err := j.Last(symbol); err == nil && last > 0 {
				log.Info().Str("symbol", symbol).Uint64("seq", last).Msg("journal found")
			}
		}
		opts = append(opts, sequencer.WithJournal(j))
	}

	gateway := sequencer.New(sequencer.Config{
		QueueSize:        cfg.Sequencer.QueueSize,
		AdmissionTimeout: cfg.Sequencer.AdmissionTimeout,
		HistorySize:      cfg.Sequencer.HistorySize,
	}, limits, opts...)

	tcp := net.New(cfg.TCP.Address, cfg.TCP.Workers, gateway)
	fanout.AddSink(tcp)

	fanout.Start()
	defer fanout.Close()
	hub.Start()
	defer hub.Close()

	if err := gateway.Start(); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           api.New(gateway, hub).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	t, ctx := tomb.WithContext(ctx)
	t.Go(func() error {
		return tcp.Run(ctx)
	})
	t.Go(func() error {
		log.Info().Str("address", cfg.HTTP.Address).Msg("http server running")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	t.Go(func() error {
		for {
			select {
			case <-t.Dying():
				return nil
			case ie := <-gateway.Halts():
				log.Error().Err(ie).Str("symbol", ie.Symbol).Uint64("seq", ie.Sequence).Msg("pair halted")
				if cfg.Sequencer.ExitOnHalt {
					return ie
				}
			}
		}
	})
	t.Go(func() error {
		<-t.Dying()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	// Block until a signal or a fatal error.
	<-t.Dying()
	log.Info().Msg("shutting down")

	err = t.Wait()
	if stopErr := gateway.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}
