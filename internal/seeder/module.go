package seeder

import "go.uber.org/fx"

// Module provides the Seeder.
var Module = fx.Provide(New)
