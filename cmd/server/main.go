package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"session-gateway/backend/internal/config"
	"session-gateway/backend/internal/gateway"
	"session-gateway/backend/internal/platform/schedule"
	"session-gateway/backend/internal/server"
	"session-gateway/backend/internal/telemetry"
	telemetryotel "session-gateway/backend/internal/telemetry/otel"
	"session-gateway/backend/internal/telemetry/producer"
)

const healthInterval = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Options{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.OTelServiceName,
		Insecure:    cfg.OTLPInsecure,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal("otel providers", zap.Error(err))
	}
	providers.SetGlobal()
	emitter := telemetryotel.NewEventEmitter(providers.LoggerProvider)
	if brokers := cfg.KafkaBrokersList(); len(brokers) > 0 {
		kafkaEmitter := producer.NewKafkaEmitter(brokers, cfg.TelemetryKafkaTopic, logger.Named("kafka"))
		defer func() { _ = kafkaEmitter.Close() }()
		emitter = telemetry.Fanout(emitter, kafkaEmitter)
		logger.Info("publishing events to kafka", zap.Strings("brokers", brokers), zap.String("topic", cfg.TelemetryKafkaTopic))
	}

	recorder, err := telemetry.NewRecorder(providers.Meter("session-gateway"), emitter, logger.Named("telemetry"))
	if err != nil {
		logger.Fatal("telemetry recorder", zap.Error(err))
	}

	core, err := gateway.New(ctx, cfg.GatewayConfig(), logger, recorder)
	if err != nil {
		logger.Fatal("gateway core", zap.Error(err))
	}
	core.Start(ctx)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("listen", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
	}
	defer lis.Close()

	s, hs := server.NewServer(server.Deps{
		Core:    core,
		Health:  core,
		Emitter: emitter,
		Logger:  logger.Named("audit"),
		StepUp:  core,
	})
	server.UpdateHealth(ctx, hs, core, logger)
	var healthTicker schedule.Ticker
	healthTicker.Start(ctx, healthInterval, func() { server.UpdateHealth(ctx, hs, core, logger) })

	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr), zap.String("env", cfg.Env))
		if err := s.Serve(lis); err != nil {
			logger.Fatal("serve", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down gRPC server")
	hs.Shutdown()
	healthTicker.Stop()
	s.GracefulStop()
	core.Stop()

	// Let in-flight async event emits finish before the log exporter shuts down.
	time.Sleep(telemetry.ShutdownDrainDuration)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := providers.Shutdown(shutdownCtx); err != nil {
		logger.Warn("otel shutdown", zap.Error(err))
	}
	logger.Info("gRPC server stopped")
}

// newLogger builds a production JSON logger, or a console logger when APP_ENV is development.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Env == "development" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
