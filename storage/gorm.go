package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	subpay "github.com/subpay/subpay"
	"github.com/subpay/subpay/nonce"
)

// Gorm is the database-backed Store. Uniqueness invariants are enforced by
// unique indexes, so they hold across processes, not just goroutines.
type Gorm struct {
	db     *gorm.DB
	nonces *gormNonceRegistry
}

// Open dials a Postgres database and prepares a Store on it, running the
// schema migration.
func Open(dsn string) (*Gorm, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return NewGorm(db)
}

// NewGorm wraps an existing gorm handle, running the schema migration.
func NewGorm(db *gorm.DB) (*Gorm, error) {
	if err := db.AutoMigrate(&planRow{}, &subscriptionRow{}, &paymentRow{}, &nonceRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Gorm{
		db:     db,
		nonces: &gormNonceRegistry{db: db, retention: nonce.DefaultRetention},
	}, nil
}

// Nonces returns the database-backed replay registry.
func (g *Gorm) Nonces() nonce.Registry { return g.nonces }

// Ping reports database reachability for health checks.
func (g *Gorm) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ---- rows ----

type planRow struct {
	ID                 string `gorm:"column:plan_id;primaryKey"`
	ContractPlanID     string `gorm:"index"`
	Token              string `gorm:"not null"`
	Amount             string `gorm:"not null"` // base units as decimal string
	IntervalSeconds    int64  `gorm:"not null"`
	DurationSeconds    int64  `gorm:"not null"`
	GracePeriodSeconds int64  `gorm:"not null"`
	SealedAPIURL       string `gorm:"column:encrypted_api_url;not null"`
	Description        string
	Creator            string `gorm:"not null;index"`
	Active             bool   `gorm:"not null;default:true"`
	TxHash             string `gorm:"column:transaction_hash"`
	CreatedAt          time.Time
}

func (planRow) TableName() string { return "plans" }

type subscriptionRow struct {
	ID             string `gorm:"column:subscription_id;primaryKey"`
	PlanID         string `gorm:"not null;uniqueIndex:idx_plan_subscriber,priority:1"`
	Subscriber     string `gorm:"column:subscriber_address;not null;uniqueIndex:idx_plan_subscriber,priority:2;index"`
	StartTime      time.Time
	NextPaymentDue time.Time
	EndTime        time.Time
	TotalPaid      string `gorm:"not null"`
	Active         bool   `gorm:"not null;default:true"`
	AutoRenew      bool
	TxHash         string `gorm:"column:transaction_hash"`
}

func (subscriptionRow) TableName() string { return "subscriptions" }

type paymentRow struct {
	ID             string `gorm:"column:payment_id;primaryKey"`
	SubscriptionID string `gorm:"not null;index"`
	PlanID         string `gorm:"not null"`
	Subscriber     string `gorm:"column:subscriber_address;not null;index"`
	Amount         string `gorm:"not null"`
	Timestamp      time.Time
	TxHash         string `gorm:"column:transaction_hash"`
	Type           string `gorm:"column:payment_type;not null"`
}

func (paymentRow) TableName() string { return "payments" }

type nonceRow struct {
	ID        uint      `gorm:"primaryKey"`
	Address   string    `gorm:"not null;uniqueIndex:idx_address_nonce,priority:1"`
	Nonce     string    `gorm:"not null;uniqueIndex:idx_address_nonce,priority:2"`
	Timestamp time.Time `gorm:"index"`
}

func (nonceRow) TableName() string { return "nonces" }

// ---- plans ----

func (g *Gorm) CreatePlan(ctx context.Context, plan *subpay.Plan) error {
	row := planToRow(plan)
	if err := g.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (g *Gorm) GetPlan(ctx context.Context, id string) (*subpay.Plan, error) {
	var row planRow
	if err := g.db.WithContext(ctx).First(&row, "plan_id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rowToPlan(&row)
}

func (g *Gorm) ListPlans(ctx context.Context, activeOnly bool) ([]*subpay.Plan, error) {
	query := g.db.WithContext(ctx).Order("created_at")
	if activeOnly {
		query = query.Where("active = ?", true)
	}
	var rows []planRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	plans := make([]*subpay.Plan, 0, len(rows))
	for i := range rows {
		plan, err := rowToPlan(&rows[i])
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

func (g *Gorm) SetPlanActive(ctx context.Context, id string, active bool) error {
	result := g.db.WithContext(ctx).Model(&planRow{}).Where("plan_id = ?", id).Update("active", active)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- subscriptions ----

func (g *Gorm) CreateSubscription(ctx context.Context, sub *subpay.Subscription) error {
	row := subscriptionToRow(sub)
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing subscriptionRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&existing, "plan_id = ? AND subscriber_address = ?", row.PlanID, row.Subscriber).Error
		switch {
		case err == nil:
			if existing.Active {
				return ErrConflict
			}
			// Re-subscription after cancellation/expiry replaces the row.
			row.ID = existing.ID
			return tx.Model(&subscriptionRow{}).
				Where("subscription_id = ?", existing.ID).
				Select("*").Omit("subscription_id").Updates(&row).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(&row).Error; err != nil {
				// A concurrent create may win the race past the row lock;
				// the unique index on (plan, subscriber) settles it.
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return ErrConflict
				}
				return err
			}
			return nil
		default:
			return err
		}
	})
}

func (g *Gorm) GetSubscription(ctx context.Context, planID, subscriber string) (*subpay.Subscription, error) {
	var row subscriptionRow
	err := g.db.WithContext(ctx).
		First(&row, "plan_id = ? AND subscriber_address = ?", planID, strings.ToLower(subscriber)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rowToSubscription(&row)
}

func (g *Gorm) ListSubscriptionsBySubscriber(ctx context.Context, subscriber string, activeOnly bool) ([]*subpay.Subscription, error) {
	query := g.db.WithContext(ctx).
		Where("subscriber_address = ?", strings.ToLower(subscriber)).
		Order("start_time")
	if activeOnly {
		query = query.Where("active = ?", true)
	}
	var rows []subscriptionRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	subs := make([]*subpay.Subscription, 0, len(rows))
	for i := range rows {
		sub, err := rowToSubscription(&rows[i])
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (g *Gorm) UpdateSubscription(ctx context.Context, sub *subpay.Subscription) error {
	row := subscriptionToRow(sub)
	result := g.db.WithContext(ctx).Model(&subscriptionRow{}).
		Where("subscription_id = ?", row.ID).
		Select("*").Omit("subscription_id").Updates(&row)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- payments ----

func (g *Gorm) RecordPayment(ctx context.Context, payment *subpay.PaymentRecord) error {
	row := paymentRow{
		ID:             payment.ID,
		SubscriptionID: payment.SubscriptionID,
		PlanID:         payment.PlanID,
		Subscriber:     strings.ToLower(payment.Subscriber),
		Amount:         bigToString(payment.Amount),
		Timestamp:      payment.Timestamp,
		TxHash:         payment.TxHash,
		Type:           string(payment.Type),
	}
	return g.db.WithContext(ctx).Create(&row).Error
}

func (g *Gorm) ListPaymentsBySubscriber(ctx context.Context, subscriber string) ([]*subpay.PaymentRecord, error) {
	var rows []paymentRow
	err := g.db.WithContext(ctx).
		Where("subscriber_address = ?", strings.ToLower(subscriber)).
		Order("timestamp").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	payments := make([]*subpay.PaymentRecord, 0, len(rows))
	for i := range rows {
		amount, err := stringToBig(rows[i].Amount)
		if err != nil {
			return nil, err
		}
		payments = append(payments, &subpay.PaymentRecord{
			ID:             rows[i].ID,
			SubscriptionID: rows[i].SubscriptionID,
			PlanID:         rows[i].PlanID,
			Subscriber:     rows[i].Subscriber,
			Amount:         amount,
			Timestamp:      rows[i].Timestamp,
			TxHash:         rows[i].TxHash,
			Type:           subpay.PaymentType(rows[i].Type),
		})
	}
	return payments, nil
}

// ---- stats ----

func (g *Gorm) Stats(ctx context.Context) (*subpay.Stats, error) {
	var totalPlans, activePlans, totalSubs, activeSubs int64
	db := g.db.WithContext(ctx)
	if err := db.Model(&planRow{}).Count(&totalPlans).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&planRow{}).Where("active = ?", true).Count(&activePlans).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&subscriptionRow{}).Count(&totalSubs).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&subscriptionRow{}).Where("active = ?", true).Count(&activeSubs).Error; err != nil {
		return nil, err
	}
	return &subpay.Stats{
		TotalPlans:          int(totalPlans),
		ActivePlans:         int(activePlans),
		TotalSubscriptions:  int(totalSubs),
		ActiveSubscriptions: int(activeSubs),
	}, nil
}

// ---- nonces ----

type gormNonceRegistry struct {
	db        *gorm.DB
	retention time.Duration
}

func (r *gormNonceRegistry) Consume(ctx context.Context, address, nonceValue string) error {
	address = strings.ToLower(address)
	now := time.Now()

	// A plain INSERT hitting the unique index would abort the whole Postgres
	// transaction and poison every statement after it, so the duplicate case
	// must not raise an error inside the transaction. ON CONFLICT DO NOTHING
	// keeps the transaction healthy and signals the duplicate through
	// RowsAffected instead.
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := nonceRow{Address: address, Nonce: nonceValue, Timestamp: now}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "address"}, {Name: "nonce"}},
			DoNothing: true,
		}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}

		var existing nonceRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&existing, "address = ? AND nonce = ?", address, nonceValue).Error; err != nil {
			return err
		}
		if now.Sub(existing.Timestamp) < r.retention {
			return nonce.ErrReplay
		}
		// Outside the retention window the value may legally reappear.
		return tx.Model(&nonceRow{}).Where("id = ?", existing.ID).
			Update("timestamp", now).Error
	})
}

func (r *gormNonceRegistry) Purge(ctx context.Context, olderThan time.Time) error {
	return r.db.WithContext(ctx).Where("timestamp < ?", olderThan).Delete(&nonceRow{}).Error
}

// ---- conversions ----

func planToRow(p *subpay.Plan) planRow {
	return planRow{
		ID:                 p.ID,
		ContractPlanID:     p.ContractPlanID,
		Token:              p.Token,
		Amount:             bigToString(p.Amount),
		IntervalSeconds:    int64(p.Interval / time.Second),
		DurationSeconds:    int64(p.Duration / time.Second),
		GracePeriodSeconds: int64(p.GracePeriod / time.Second),
		SealedAPIURL:       p.SealedAPIURL,
		Description:        p.Description,
		Creator:            p.Creator,
		Active:             p.Active,
		TxHash:             p.TxHash,
		CreatedAt:          p.CreatedAt,
	}
}

func rowToPlan(row *planRow) (*subpay.Plan, error) {
	amount, err := stringToBig(row.Amount)
	if err != nil {
		return nil, err
	}
	return &subpay.Plan{
		ID:             row.ID,
		ContractPlanID: row.ContractPlanID,
		Token:          row.Token,
		Amount:         amount,
		Interval:       time.Duration(row.IntervalSeconds) * time.Second,
		Duration:       time.Duration(row.DurationSeconds) * time.Second,
		GracePeriod:    time.Duration(row.GracePeriodSeconds) * time.Second,
		SealedAPIURL:   row.SealedAPIURL,
		Description:    row.Description,
		Creator:        row.Creator,
		Active:         row.Active,
		TxHash:         row.TxHash,
		CreatedAt:      row.CreatedAt,
	}, nil
}

func subscriptionToRow(s *subpay.Subscription) subscriptionRow {
	return subscriptionRow{
		ID:             s.ID,
		PlanID:         s.PlanID,
		Subscriber:     strings.ToLower(s.Subscriber),
		StartTime:      s.StartTime,
		NextPaymentDue: s.NextPaymentDue,
		EndTime:        s.EndTime,
		TotalPaid:      bigToString(s.TotalPaid),
		Active:         s.Active,
		AutoRenew:      s.AutoRenew,
		TxHash:         s.TxHash,
	}
}

func rowToSubscription(row *subscriptionRow) (*subpay.Subscription, error) {
	totalPaid, err := stringToBig(row.TotalPaid)
	if err != nil {
		return nil, err
	}
	return &subpay.Subscription{
		ID:             row.ID,
		PlanID:         row.PlanID,
		Subscriber:     row.Subscriber,
		StartTime:      row.StartTime,
		NextPaymentDue: row.NextPaymentDue,
		EndTime:        row.EndTime,
		TotalPaid:      totalPaid,
		Active:         row.Active,
		AutoRenew:      row.AutoRenew,
		TxHash:         row.TxHash,
	}, nil
}

func bigToString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func stringToBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid stored amount %q", s)
	}
	return v, nil
}
