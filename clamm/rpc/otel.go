package rpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

// Signal configures one telemetry signal.
type Signal struct {
	Enabled bool
	// OTLPEndpoint is the host:port of the collector, empty disables the OTLP exporter
	OTLPEndpoint string
}

// OTelConfig configures the OpenTelemetry pipeline of the desk.
type OTelConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	Traces  Signal
	Metrics Signal
	Logs    Signal
	// Prometheus bridges OTel metrics into the /metrics registry
	Prometheus bool

	// InsecureOTLP sends telemetry without TLS. Only for local collectors.
	InsecureOTLP bool
	CACertFile   string
	CertFile     string
	KeyFile      string

	// Development replaces OTLP exporters with stdout ones
	Development bool
}

// DefaultOTelConfig traces and meters locally without any OTLP export.
func DefaultOTelConfig() *OTelConfig {
	return &OTelConfig{
		ServiceName:    "spectra-clamm-desk",
		ServiceVersion: "0.1.0",
		Environment:    "production",
		Traces:         Signal{Enabled: true},
		Metrics:        Signal{Enabled: true},
		Prometheus:     true,
	}
}

func (c *OTelConfig) enabled() bool {
	return c != nil && (c.Traces.Enabled || c.Metrics.Enabled || c.Logs.Enabled)
}

// NewOTelSDK installs the global tracer, meter and logger providers.
// The returned function flushes and stops them.
func NewOTelSDK(ctx context.Context, config *OTelConfig) (func(context.Context) error, error) {
	if config == nil {
		config = DefaultOTelConfig()
	}

	var shutdowns []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var err error
		for i := len(shutdowns) - 1; i >= 0; i-- {
			err = errors.Join(err, shutdowns[i](ctx))
		}
		shutdowns = nil
		return err
	}
	fail := func(err error) (func(context.Context) error, error) {
		return shutdown, errors.Join(err, shutdown(ctx))
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironmentName(config.Environment),
		),
	)
	if err != nil {
		return shutdown, fmt.Errorf("otel resource: %w", err)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tlsConfig, err := otlpTLSConfig(config)
	if err != nil {
		return fail(err)
	}

	if config.Traces.Enabled {
		tp, err := newTracerProvider(ctx, res, config, tlsConfig)
		if err != nil {
			return fail(err)
		}
		shutdowns = append(shutdowns, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	if config.Metrics.Enabled {
		mp, err := newMeterProvider(ctx, res, config, tlsConfig)
		if err != nil {
			return fail(err)
		}
		shutdowns = append(shutdowns, mp.Shutdown)
		otel.SetMeterProvider(mp)
	}

	if config.Logs.Enabled {
		lp, err := newLoggerProvider(ctx, res, config, tlsConfig)
		if err != nil {
			return fail(err)
		}
		shutdowns = append(shutdowns, lp.Shutdown)
		global.SetLoggerProvider(lp)
	}

	return shutdown, nil
}

// otlpTLSConfig returns nil when OTLP runs insecure or with system defaults.
func otlpTLSConfig(config *OTelConfig) (*tls.Config, error) {
	if config.InsecureOTLP || (config.CACertFile == "" && config.CertFile == "") {
		return nil, nil
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.CACertFile != "" {
		pem, err := os.ReadFile(config.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("read OTLP CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", config.CACertFile)
		}
		tlsConfig.RootCAs = pool
	}
	if config.CertFile != "" && config.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load OTLP client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func newTracerProvider(ctx context.Context, res *resource.Resource, config *OTelConfig, tlsConfig *tls.Config) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	switch {
	case config.Development:
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	case config.Traces.OTLPEndpoint != "":
		otlpOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.Traces.OTLPEndpoint)}
		if config.InsecureOTLP {
			otlpOpts = append(otlpOpts, otlptracehttp.WithInsecure())
		} else if tlsConfig != nil {
			otlpOpts = append(otlpOpts, otlptracehttp.WithTLSClientConfig(tlsConfig))
		}
		exporter, err := otlptracehttp.New(ctx, otlpOpts...)
		if err != nil {
			return nil, fmt.Errorf("OTLP trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

func newMeterProvider(ctx context.Context, res *resource.Resource, config *OTelConfig, tlsConfig *tls.Config) (*sdkmetric.MeterProvider, error) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if config.Prometheus {
		exporter, err := prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("prometheus exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(exporter))
	}

	switch {
	case config.Development:
		exporter, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("stdout metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))))
	case config.Metrics.OTLPEndpoint != "":
		otlpOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(config.Metrics.OTLPEndpoint)}
		if config.InsecureOTLP {
			otlpOpts = append(otlpOpts, otlpmetrichttp.WithInsecure())
		} else if tlsConfig != nil {
			otlpOpts = append(otlpOpts, otlpmetrichttp.WithTLSClientConfig(tlsConfig))
		}
		exporter, err := otlpmetrichttp.New(ctx, otlpOpts...)
		if err != nil {
			return nil, fmt.Errorf("OTLP metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(time.Minute))))
	}
	return sdkmetric.NewMeterProvider(opts...), nil
}

func newLoggerProvider(ctx context.Context, res *resource.Resource, config *OTelConfig, tlsConfig *tls.Config) (*sdklog.LoggerProvider, error) {
	opts := []sdklog.LoggerProviderOption{sdklog.WithResource(res)}

	switch {
	case config.Development:
		exporter, err := stdoutlog.New()
		if err != nil {
			return nil, fmt.Errorf("stdout log exporter: %w", err)
		}
		opts = append(opts, sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)))
	case config.Logs.OTLPEndpoint != "":
		otlpOpts := []otlploghttp.Option{otlploghttp.WithEndpoint(config.Logs.OTLPEndpoint)}
		if config.InsecureOTLP {
			otlpOpts = append(otlpOpts, otlploghttp.WithInsecure())
		} else if tlsConfig != nil {
			otlpOpts = append(otlpOpts, otlploghttp.WithTLSClientConfig(tlsConfig))
		}
		exporter, err := otlploghttp.New(ctx, otlpOpts...)
		if err != nil {
			return nil, fmt.Errorf("OTLP log exporter: %w", err)
		}
		opts = append(opts, sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)))
	}
	return sdklog.NewLoggerProvider(opts...), nil
}
