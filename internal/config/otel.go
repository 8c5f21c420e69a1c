package config

// OtelConfig holds OpenTelemetry tracing settings. Tracing is off unless an
// OTLP endpoint is configured.
type OtelConfig struct {
	ExporterEndpoint string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	ServiceName      string  `env:"OTEL_SERVICE_NAME" envDefault:"vectorizer-worker"`
	SamplingRate     float64 `env:"OTEL_SAMPLING_RATE" envDefault:"1.0"`
}

// Enabled reports whether an OTLP exporter endpoint was configured.
func (o *OtelConfig) Enabled() bool {
	return o.ExporterEndpoint != ""
}
