package health

import (
	"go.uber.org/fx"
)

// Module provides the admin surface handlers and mounts their routes.
var Module = fx.Module("health",
	fx.Provide(
		NewHandler,
		NewStatusHandler,
	),
	fx.Invoke(RegisterRoutes),
)
