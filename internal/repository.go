package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MagnunAVF/link-shortener/internal/logger"
)

const (
	defaultMaxCodeAttempts = 5
	defaultSweepBatchSize  = 500
)

// InsertResult tags the outcome of a conditional insert.
type InsertResult int

const (
	Created InsertResult = iota
	AlreadyExists
)

type NewLink struct {
	OriginalURL string
	CustomAlias string
	ExpiresAt   *time.Time
	UserID      *int64
}

// LinkRepository is the gorm-backed authority for links. Uniqueness and
// ownership are enforced by conditional statements in the database, never
// by in-process locking.
type LinkRepository struct {
	db              *gorm.DB
	generate        CodeGenerator
	maxCodeAttempts int
	sweepBatchSize  int
	now             func() time.Time
}

type RepositoryOption func(*LinkRepository)

func WithCodeGenerator(g CodeGenerator) RepositoryOption {
	return func(r *LinkRepository) { r.generate = g }
}

func WithMaxCodeAttempts(n int) RepositoryOption {
	return func(r *LinkRepository) {
		if n > 0 {
			r.maxCodeAttempts = n
		}
	}
}

func WithSweepBatchSize(n int) RepositoryOption {
	return func(r *LinkRepository) {
		if n > 0 {
			r.sweepBatchSize = n
		}
	}
}

func WithClock(now func() time.Time) RepositoryOption {
	return func(r *LinkRepository) { r.now = now }
}

func NewLinkRepository(db *gorm.DB, opts ...RepositoryOption) *LinkRepository {
	r := &LinkRepository{
		db:              db,
		generate:        GenerateShortCode,
		maxCodeAttempts: defaultMaxCodeAttempts,
		sweepBatchSize:  defaultSweepBatchSize,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Migrate creates or updates the link tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Link{}, &LinkAnalytics{})
}

// AddOne persists a new link. A custom alias is used verbatim and fails with
// ErrConflict when taken; otherwise generated codes are retried up to
// maxCodeAttempts times.
func (r *LinkRepository) AddOne(ctx context.Context, in NewLink) (*Link, error) {
	now := r.now().UTC()
	link := &Link{
		OriginalURL: NormalizeURL(in.OriginalURL),
		CreatedAt:   now,
		UserID:      in.UserID,
	}
	if in.ExpiresAt != nil {
		if !in.ExpiresAt.After(now) {
			return nil, fmt.Errorf("%w: expires_at must be after creation time", ErrValidation)
		}
		exp := in.ExpiresAt.UTC()
		link.ExpiresAt = &exp
	}

	if in.CustomAlias != "" {
		link.ShortCode = in.CustomAlias
		res, err := r.insertIfAbsent(ctx, link)
		if err != nil {
			return nil, err
		}
		if res == AlreadyExists {
			return nil, fmt.Errorf("%w: alias %q is taken", ErrConflict, in.CustomAlias)
		}
		return link, nil
	}

	log := logger.FromContext(ctx)
	for attempt := 1; attempt <= r.maxCodeAttempts; attempt++ {
		code, err := r.generate()
		if err != nil {
			return nil, err
		}
		link.ID = 0
		link.ShortCode = code
		res, err := r.insertIfAbsent(ctx, link)
		if err != nil {
			return nil, err
		}
		if res == Created {
			return link, nil
		}
		log.Warn("short code collision", "attempt", attempt)
	}
	log.Error("short code allocation exhausted", "attempts", r.maxCodeAttempts, "alert", true)
	return nil, ErrCodeSpaceExhausted
}

func (r *LinkRepository) insertIfAbsent(ctx context.Context, link *Link) (InsertResult, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "short_code"}}, DoNothing: true}).
		Create(link)
	if res.Error != nil {
		return 0, fmt.Errorf("insert link: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return AlreadyExists, nil
	}
	return Created, nil
}

func (r *LinkRepository) FindByShortCode(ctx context.Context, code string) (*Link, error) {
	var link Link
	err := r.db.WithContext(ctx).Where("short_code = ?", code).First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find link %q: %w", code, err)
	}
	return &link, nil
}

// FindByOriginalURL returns the oldest live link whose stored URL matches the
// normalized form of rawURL.
func (r *LinkRepository) FindByOriginalURL(ctx context.Context, rawURL string) (*Link, error) {
	var link Link
	err := r.db.WithContext(ctx).
		Where("original_url = ?", NormalizeURL(rawURL)).
		Where("(expires_at IS NULL OR expires_at > ?)", r.now().UTC()).
		Order("id").
		First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find link by url: %w", err)
	}
	return &link, nil
}

// IncrementClickCount bumps click_count and last_used_at in a single UPDATE.
// Returns ErrNotFound when the code is unknown or expired.
func (r *LinkRepository) IncrementClickCount(ctx context.Context, code string) error {
	now := r.now().UTC()
	res := r.db.WithContext(ctx).Model(&Link{}).
		Where("short_code = ?", code).
		Where("(expires_at IS NULL OR expires_at > ?)", now).
		UpdateColumns(map[string]any{
			"click_count":  gorm.Expr("click_count + ?", 1),
			"last_used_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("increment clicks for %q: %w", code, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateOriginalURL rewrites the target of code if requester owns it.
func (r *LinkRepository) UpdateOriginalURL(ctx context.Context, code, newURL string, requester *Principal) (*Link, error) {
	if requester == nil {
		return nil, ErrForbidden
	}
	var updated Link
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Link{}).
			Where("short_code = ? AND user_id = ?", code, requester.ID).
			UpdateColumn("original_url", NormalizeURL(newURL))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ownershipError(tx, code)
		}
		return tx.Where("short_code = ?", code).First(&updated).Error
	})
	if err != nil {
		return nil, wrapStoreError("update link", code, err)
	}
	return &updated, nil
}

// DeleteByShortCode removes code and its analytics if requester owns it.
func (r *LinkRepository) DeleteByShortCode(ctx context.Context, code string, requester *Principal) error {
	if requester == nil {
		return ErrForbidden
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("short_code = ? AND user_id = ?", code, requester.ID).Delete(&Link{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ownershipError(tx, code)
		}
		return tx.Where("short_code = ?", code).Delete(&LinkAnalytics{}).Error
	})
	return wrapStoreError("delete link", code, err)
}

// DeleteExpiredLinks removes every link with expires_at at or before now and
// returns the deleted codes. Each link is deleted in its own transaction, so
// a failure leaves the others intact; failures are joined into the error.
func (r *LinkRepository) DeleteExpiredLinks(ctx context.Context) ([]string, error) {
	now := r.now().UTC()
	var (
		deleted []string
		errs    []error
	)
	for {
		var codes []string
		err := r.db.WithContext(ctx).Model(&Link{}).
			Where("expires_at IS NOT NULL AND expires_at <= ?", now).
			Order("expires_at").
			Limit(r.sweepBatchSize).
			Pluck("short_code", &codes).Error
		if err != nil {
			errs = append(errs, fmt.Errorf("select expired links: %w", err))
			break
		}

		progressed := false
		for _, code := range codes {
			ok, err := r.deleteExpired(ctx, code, now)
			if err != nil {
				errs = append(errs, fmt.Errorf("delete expired link %q: %w", code, err))
				continue
			}
			if ok {
				deleted = append(deleted, code)
				progressed = true
			}
		}
		if len(codes) < r.sweepBatchSize || !progressed || ctx.Err() != nil {
			break
		}
	}
	return deleted, errors.Join(errs...)
}

func (r *LinkRepository) deleteExpired(ctx context.Context, code string, now time.Time) (bool, error) {
	var ok bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("short_code = ? AND expires_at <= ?", code, now).Delete(&Link{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		ok = true
		return tx.Where("short_code = ?", code).Delete(&LinkAnalytics{}).Error
	})
	return ok, err
}

func ownershipError(tx *gorm.DB, code string) error {
	var n int64
	if err := tx.Model(&Link{}).Where("short_code = ?", code).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrForbidden
}

func wrapStoreError(op, code string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) {
		return err
	}
	return fmt.Errorf("%s %q: %w", op, code, err)
}
