package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/brokerpay/internal/ach"
	"github.com/smallbiznis/brokerpay/internal/adjustment"
	"github.com/smallbiznis/brokerpay/internal/authorization"
	"github.com/smallbiznis/brokerpay/internal/clock"
	"github.com/smallbiznis/brokerpay/internal/commission"
	"github.com/smallbiznis/brokerpay/internal/config"
	"github.com/smallbiznis/brokerpay/internal/lock"
	"github.com/smallbiznis/brokerpay/internal/migration"
	"github.com/smallbiznis/brokerpay/internal/notification"
	"github.com/smallbiznis/brokerpay/internal/observability"
	"github.com/smallbiznis/brokerpay/internal/providers/email"
	"github.com/smallbiznis/brokerpay/internal/server"
	"github.com/smallbiznis/brokerpay/internal/settlement"
	"github.com/smallbiznis/brokerpay/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		lock.Module,
		authorization.Module,
		email.Module,

		// Domains
		commission.Module,
		ach.Module,
		notification.Module,
		adjustment.Module,
		settlement.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
