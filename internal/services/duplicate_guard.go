package services

import (
	"context"
	"fmt"
	"time"

	"cadenza/internal/core"
	"cadenza/internal/storage"
)

// DuplicateGuard answers whether a template already has an instance on a
// calendar day of its owner. It is a read before each write; the unique index
// on (template, day) is what actually rejects a second instance.
type DuplicateGuard struct {
	store InstanceFinder
	zones *Resolver
}

func NewDuplicateGuard(store InstanceFinder, zones *Resolver) *DuplicateGuard {
	return &DuplicateGuard{store: store, zones: zones}
}

// Exists reports whether an instance of templateID owned by userID falls on
// day, with the day's bounds evaluated in loc.
func (g *DuplicateGuard) Exists(ctx context.Context, templateID string, day core.Date, userID string, loc *time.Location) (bool, error) {
	start, end := g.zones.DayBounds(day, loc)
	found, err := g.store.FindInstance(ctx, storage.InstanceFilter{
		TemplateID: templateID,
		UserID:     userID,
		From:       start,
		To:         end,
	})
	if err != nil {
		return false, fmt.Errorf("check instance on %s: %w", day, err)
	}
	return found != nil, nil
}
