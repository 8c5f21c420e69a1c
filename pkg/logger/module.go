package logger

import "go.uber.org/fx"

// Module provides the slog logger used everywhere and the zap logger the
// migrator and fx event logging consume.
var Module = fx.Module("logger",
	fx.Provide(
		NewLogger,
		NewZapLogger,
	),
)
