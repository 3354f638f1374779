package cron

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-fulfillment/pkg/logger"
)

const (
	outboxRetentionJobName = "outbox-retention"
	defaultOutboxRetention = 30 * 24 * time.Hour
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPruner interface {
	DeletePublishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

type OutboxRetentionJobParams struct {
	Logger     *logger.Logger
	DB         txRunner
	Repository outboxPruner
	Retention  time.Duration
}

func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	if params.Retention <= 0 {
		params.Retention = defaultOutboxRetention
	}
	return &outboxRetentionJob{params: params, now: time.Now}, nil
}

type outboxRetentionJob struct {
	params OutboxRetentionJobParams
	now    func() time.Time
}

func (j *outboxRetentionJob) Name() string { return outboxRetentionJobName }

func (j *outboxRetentionJob) Run(ctx context.Context) (int, error) {
	cutoff := j.now().UTC().Add(-j.params.Retention)
	var deleted int64
	err := j.params.DB.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := j.params.Repository.DeletePublishedBefore(ctx, tx, cutoff)
		deleted = rows
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("outbox retention: %w", err)
	}
	j.params.Logger.Info(j.params.Logger.WithFields(ctx, map[string]any{
		"cutoff":       cutoff,
		"rows_deleted": deleted,
	}), "cron.outbox_pruned")
	return int(deleted), nil
}
