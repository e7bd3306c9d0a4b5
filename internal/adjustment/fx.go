package adjustment

import (
	"github.com/smallbiznis/brokerpay/internal/adjustment/repository"
	"github.com/smallbiznis/brokerpay/internal/adjustment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("adjustment.service",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.New),
)
