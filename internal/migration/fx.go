package migration

import (
	"github.com/smallbiznis/brokerpay/internal/adjustment/domain"
	"github.com/smallbiznis/brokerpay/internal/config"
	notificationdomain "github.com/smallbiznis/brokerpay/internal/notification/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if cfg.DBType != "postgres" {
			log.Info("schema managed by automigrate", zap.String("db_type", cfg.DBType))
			return AutoMigrate(conn)
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)

// AutoMigrate creates the schema from the models for drivers without SQL
// migrations.
func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&domain.RawItem{},
		&domain.PendingItem{},
		&domain.Broker{},
		&domain.AdjustmentReport{},
		&domain.AdjustmentReportItem{},
		&notificationdomain.Notification{},
	)
}
