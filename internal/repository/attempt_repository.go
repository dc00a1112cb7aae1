package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/kyc-flow/internal/retry"
)

// CaptureAttempt represents one persisted capture-validate attempt.
type CaptureAttempt struct {
	ID             uint      `gorm:"primaryKey"`
	VerificationID string    `gorm:"column:verification_id;index;size:64"`
	UserID         string    `gorm:"column:user_id;index;size:64"`
	Step           string    `gorm:"column:step;size:32"`
	State          string    `gorm:"column:state;size:32"`
	ErrorKind      string    `gorm:"column:error_kind;size:32"`
	Reason         string    `gorm:"column:reason;size:64"`
	Message        string    `gorm:"column:message;type:text"`
	DurationMs     int64     `gorm:"column:duration_ms"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (CaptureAttempt) TableName() string {
	return "capture_attempts"
}

// StepAggregation is one row of the per-step attempt summary.
type StepAggregation struct {
	Step          string  `gorm:"column:step"`
	State         string  `gorm:"column:state"`
	Count         int64   `gorm:"column:count"`
	AvgDurationMs float64 `gorm:"column:avg_duration_ms"`
}

// AttemptRepository provides persistence APIs for capture attempts.
type AttemptRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	policy retry.Policy
}

// NewAttemptRepository creates a new repository instance.
func NewAttemptRepository(db *gorm.DB, logger *zap.Logger) *AttemptRepository {
	return &AttemptRepository{
		db:     db,
		logger: logger.Named("attempt_repository"),
		policy: retry.DefaultPolicy(),
	}
}

// AutoMigrate ensures the schema is available.
func (r *AttemptRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&CaptureAttempt{})
}

// SaveAttempt persists a capture attempt.
func (r *AttemptRepository) SaveAttempt(ctx context.Context, attempt *CaptureAttempt) error {
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	return r.executeWithRetry(ctx, "repository.save_attempt", attempt.VerificationID, func() error {
		return r.db.WithContext(ctx).Create(attempt).Error
	})
}

// ListByVerification returns the attempts of one verification session, oldest first.
func (r *AttemptRepository) ListByVerification(ctx context.Context, verificationID string) ([]*CaptureAttempt, error) {
	var attempts []*CaptureAttempt
	err := r.executeWithRetry(ctx, "repository.list_attempts", verificationID, func() error {
		return r.db.WithContext(ctx).
			Where("verification_id = ?", verificationID).
			Order("created_at ASC, id ASC").
			Find(&attempts).Error
	})
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

// AggregateMetrics groups attempts by step and resulting state.
func (r *AttemptRepository) AggregateMetrics(ctx context.Context) ([]StepAggregation, error) {
	var rows []StepAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&CaptureAttempt{}).
			Select("step, state, COUNT(*) AS count, COALESCE(AVG(duration_ms), 0) AS avg_duration_ms").
			Group("step, state").
			Order("step, state").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *AttemptRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	return r.policy.Do(ctx, r.logger, operation, requestID, fn)
}
