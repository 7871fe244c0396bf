package medication

import "go.uber.org/fx"

// Module provides the medication repository to Fx.
var Module = fx.Provide(NewRepository)
