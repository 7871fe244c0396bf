package migration

import "go.uber.org/fx"

// Module provides the Migrator.
var Module = fx.Provide(New)
