package ach

import "go.uber.org/fx"

var Module = fx.Module("ach",
	fx.Provide(NewEncoder),
)
