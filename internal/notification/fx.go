package notification

import (
	"github.com/smallbiznis/brokerpay/internal/notification/domain"
	"github.com/smallbiznis/brokerpay/internal/notification/repository"
	"github.com/smallbiznis/brokerpay/internal/notification/service"
	"go.uber.org/fx"
)

var Module = fx.Module("notification",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewDispatcher),
	fx.Provide(func(d *service.Dispatcher) domain.Sink { return d }),
	fx.Provide(service.New),
	fx.Invoke(func(lc fx.Lifecycle, d *service.Dispatcher) {
		lc.Append(fx.Hook{
			OnStart: d.Start,
			OnStop:  d.Stop,
		})
	}),
)
