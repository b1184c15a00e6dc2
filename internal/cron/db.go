package cron

import (
	"context"

	"gorm.io/gorm"
)

// txRunner is the transactional database handle jobs run against.
type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}
