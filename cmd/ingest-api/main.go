package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"device-pipeline/internal/bootstrap"
	"device-pipeline/internal/config"
	"device-pipeline/internal/event"
	"device-pipeline/internal/httpapi"
	"device-pipeline/internal/ingest"
	"device-pipeline/internal/mqtt"
	"device-pipeline/internal/observability"
	"device-pipeline/internal/rawstore"
)

const serviceName = "ingest-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	bootstrap.SetupLogging(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(config.RoleIngest); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel, err := observability.Setup(ctx, serviceName)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}

	repo, err := bootstrap.OpenRepo(cfg)
	if err != nil {
		slog.Error("aggregate store unavailable", "error", err)
		os.Exit(1)
	}

	q, rdb, err := bootstrap.OpenQueue(ctx, cfg, nil)
	if err != nil {
		slog.Error("queue unavailable", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	raw, err := rawstore.NewMinIO(rawstore.Options{
		Endpoint:  cfg.Raw.Endpoint,
		AccessKey: cfg.Raw.AccessKey,
		SecretKey: cfg.Raw.SecretKey,
		UseTLS:    cfg.Raw.UseTLS,
		Bucket:    cfg.Raw.Bucket,
	})
	if err != nil {
		slog.Error("raw store client failed", "error", err)
		os.Exit(1)
	}
	if err := raw.EnsureBucket(ctx); err != nil {
		slog.Error("raw bucket unavailable", "bucket", cfg.Raw.Bucket, "error", err)
		os.Exit(1)
	}

	validator, err := event.NewValidator()
	if err != nil {
		slog.Error("event schema failed to compile", "error", err)
		os.Exit(1)
	}
	ing := &ingest.Ingestor{Raw: raw, Queue: q, Validator: validator, RawPrefix: cfg.Raw.Prefix}

	if cfg.MQTT.BrokerURL != "" {
		mq, err := mqtt.Connect(mqtt.Options{
			BrokerURL:   cfg.MQTT.BrokerURL,
			ClientID:    cfg.MQTT.ClientID,
			InsecureTLS: cfg.MQTT.Insecure,
			QoS:         1,
		})
		if err != nil {
			slog.Error("mqtt connect failed", "error", err)
			os.Exit(1)
		}
		defer mq.Close()

		bridge := &ingest.MQTTBridge{Ingestor: ing, TopicPrefix: cfg.MQTT.TopicPrefix, AllowRetains: cfg.MQTT.Retained}
		subTopic := strings.TrimRight(cfg.MQTT.TopicPrefix, "/") + "/#"
		if err := mq.Subscribe(subTopic, func(m mqtt.Message) {
			bridge.HandleMessage(ctx, m)
		}); err != nil {
			slog.Error("mqtt subscribe failed", "topic", subTopic, "error", err)
			os.Exit(1)
		}
		slog.Info("mqtt ingest subscribed", "topic", subTopic)
	}

	srv := httpapi.New(ing, repo)
	srv.Metrics = tel.Metrics
	srv.Middleware = append(srv.Middleware, observability.HTTPMiddleware(tel.Tracer, serviceName))
	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("ingest-api listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
		slog.Info("shutdown requested")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	tel.Shutdown(shutdownCtx)
	cancel()
}
