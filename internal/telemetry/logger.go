package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
)

// InitLoggerProvider initializes the OpenTelemetry logger provider.
// With the OTLP exporter it returns a slog.Logger that bridges to
// OpenTelemetry for log-trace correlation. Otherwise logs are written to
// stdout as JSON and no provider is returned.
func InitLoggerProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdklog.LoggerProvider, *slog.Logger, error) {
	if cfg.Exporter != ExporterOTLP {
		return nil, slog.New(slog.NewJSONHandler(os.Stdout, nil)), nil
	}

	conn, err := newGRPCConn(cfg.OTLPEndpoint)
	if err != nil {
		return nil, nil, err
	}

	exporter, err := otlploggrpc.New(ctx, otlploggrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create log exporter: %w", err)
	}

	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
		sdklog.WithResource(res),
	)

	global.SetLoggerProvider(lp)

	logger := otelslog.NewLogger(cfg.ServiceName, otelslog.WithLoggerProvider(lp))

	return lp, logger, nil
}
