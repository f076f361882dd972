package internal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const unknownCountry = "unknown"

// RecordClicks folds a batch of click events into per-country counters in a
// single transaction. Either the whole batch is applied or none of it.
// Events for codes that no longer exist, or that predate the current link
// behind a reused alias, are dropped. It returns the distinct short codes
// whose counters changed.
func (r *LinkRepository) RecordClicks(ctx context.Context, events []ClickEvent) ([]string, error) {
	if len(events) == 0 {
		return nil, nil
	}

	var wanted []string
	seen := make(map[string]struct{})
	for _, ev := range events {
		if ev.ShortCode == "" {
			continue
		}
		if _, ok := seen[ev.ShortCode]; !ok {
			seen[ev.ShortCode] = struct{}{}
			wanted = append(wanted, ev.ShortCode)
		}
	}
	if len(wanted) == 0 {
		return nil, nil
	}

	var codes []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		live, err := liveLinks(tx, wanted)
		if err != nil {
			return err
		}

		type key struct{ code, country string }
		counts := make(map[key]int64)
		touched := make(map[string]struct{})
		for _, ev := range events {
			createdAt, ok := live[ev.ShortCode]
			if !ok || (!ev.Timestamp.IsZero() && ev.Timestamp.Before(createdAt)) {
				continue
			}
			counts[key{ev.ShortCode, NormalizeCountry(ev.Country)}]++
			if _, ok := touched[ev.ShortCode]; !ok {
				touched[ev.ShortCode] = struct{}{}
				codes = append(codes, ev.ShortCode)
			}
		}

		for k, n := range counts {
			rec := LinkAnalytics{ShortCode: k.code, Country: k.country, ClickCount: n}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "short_code"}, {Name: "country"}},
				DoUpdates: clause.Assignments(map[string]any{
					"click_count": gorm.Expr("link_analytics.click_count + EXCLUDED.click_count"),
				}),
			}).Create(&rec).Error
			if err != nil {
				return fmt.Errorf("upsert analytics %s/%s: %w", k.code, k.country, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// liveLinks maps each existing code to its creation time. On Postgres the
// rows are share-locked so a concurrent delete waits for the batch to commit
// and then removes the counters with the link.
func liveLinks(tx *gorm.DB, codes []string) (map[string]time.Time, error) {
	q := tx.Model(&Link{}).Select("short_code", "created_at").Where("short_code IN ?", codes)
	if tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "SHARE"})
	}
	var rows []Link
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load links for click batch: %w", err)
	}
	live := make(map[string]time.Time, len(rows))
	for _, row := range rows {
		live[row.ShortCode] = row.CreatedAt
	}
	return live, nil
}

// CountryClicks returns the per-country click totals recorded for code.
func (r *LinkRepository) CountryClicks(ctx context.Context, code string) (map[string]int64, error) {
	var rows []LinkAnalytics
	if err := r.db.WithContext(ctx).Where("short_code = ?", code).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load analytics for %q: %w", code, err)
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Country] = row.ClickCount
	}
	return out, nil
}

// NormalizeCountry upper-cases a two-character country code. Anything else,
// including the "XX" placeholder, maps to "unknown".
func NormalizeCountry(country string) string {
	c := strings.ToUpper(strings.TrimSpace(country))
	if len(c) != 2 || c == "XX" || !isCountryChar(c[0]) || !isCountryChar(c[1]) {
		return unknownCountry
	}
	return c
}

func isCountryChar(b byte) bool {
	return ('A' <= b && b <= 'Z') || ('0' <= b && b <= '9')
}
