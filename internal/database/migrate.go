package database

import (
	"fmt"

	"gorm.io/gorm"

	"promotion-shop/internal/config"
	"promotion-shop/internal/model"
	"promotion-shop/pkg/log"
)

// OrderServiceModels tables owned by the ordering service.
func OrderServiceModels() []interface{} {
	return []interface{}{
		&model.Order{},
		&model.OrderItem{},
		&model.SagaTransaction{},
		&model.OutboxEntry{},
	}
}

// ParticipantModels tables owned by one participant service.
func ParticipantModels(kind string) ([]interface{}, error) {
	models := []interface{}{&model.OutboxEntry{}}
	switch kind {
	case config.KindStock:
		models = append(models, &model.ProductOption{}, &model.StockReservation{})
	case config.KindCoupon:
		models = append(models, &model.Coupon{}, &model.CouponReservation{})
	case config.KindPoint:
		models = append(models, &model.PointBalance{}, &model.PointReservation{})
	default:
		return nil, fmt.Errorf("unknown participant kind %q", kind)
	}
	return models, nil
}

// AutoMigrate auto migrate database table schema
func AutoMigrate(db *gorm.DB, models ...interface{}) error {
	log.Info("Starting database migration...")

	for _, m := range models {
		if err := db.AutoMigrate(m); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", m, err)
		}
		log.Infof("Migrated model: %T", m)
	}

	log.Info("Database migration completed successfully")
	return nil
}
