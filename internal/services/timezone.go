package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"cadenza/internal/cache"
	"cadenza/internal/core"
	"cadenza/internal/log"
	"cadenza/internal/storage"
)

// zoneCacheTTL bounds how long a resolved label is reused.
const zoneCacheTTL = 24 * time.Hour

// offsetZones maps a fixed UTC offset, in minutes, to a representative IANA
// zone without daylight saving. An empty name marks offsets whose only zones
// shift in summer; those resolve to a fixed zone named after the offset.
var offsetZones = map[int]string{
	-720: "Etc/GMT+12",
	-660: "Pacific/Pago_Pago",
	-600: "Pacific/Honolulu",
	-570: "Pacific/Marquesas",
	-540: "Pacific/Gambier",
	-480: "Pacific/Pitcairn",
	-420: "America/Phoenix",
	-360: "America/Regina",
	-300: "America/Bogota",
	-240: "America/Caracas",
	-210: "",
	-180: "America/Sao_Paulo",
	-120: "America/Noronha",
	-60:  "Atlantic/Cape_Verde",
	0:    "UTC",
	60:   "Africa/Lagos",
	120:  "Africa/Johannesburg",
	180:  "Europe/Moscow",
	210:  "Asia/Tehran",
	240:  "Asia/Dubai",
	270:  "Asia/Kabul",
	300:  "Asia/Karachi",
	330:  "Asia/Kolkata",
	345:  "Asia/Kathmandu",
	360:  "Asia/Dhaka",
	390:  "Asia/Yangon",
	420:  "Asia/Bangkok",
	480:  "Asia/Singapore",
	525:  "Australia/Eucla",
	540:  "Asia/Tokyo",
	570:  "Australia/Darwin",
	600:  "Australia/Brisbane",
	630:  "",
	660:  "Pacific/Noumea",
	720:  "Pacific/Tarawa",
	765:  "",
	780:  "Pacific/Tongatapu",
	840:  "Pacific/Kiritimati",
}

// offsetLabel matches "UTC+05:30", "GMT+9", "+0900", "utc-3" and similar.
var offsetLabel = regexp.MustCompile(`^(?i:utc|gmt)?\s*([+-])\s*(\d{1,2})(?::?(\d{2}))?$`)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithClock replaces the wall clock. Tests use it to pin "now".
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		r.now = now
	}
}

// WithZoneCacheSize bounds the number of cached labels.
func WithZoneCacheSize(n int) ResolverOption {
	return func(r *Resolver) {
		r.zones = cache.NewLRUCache[*time.Location](n, zoneCacheTTL)
	}
}

// Resolver turns timezone labels into locations and answers every "what day
// is it" question of the engine. It holds the only clock the engine reads.
type Resolver struct {
	users UserLookup
	zones *cache.LRUCache[*time.Location]
	now   func() time.Time
}

func NewResolver(users UserLookup, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		users: users,
		zones: cache.NewLRUCache[*time.Location](256, zoneCacheTTL),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ZoneCache exposes the label cache so it can be registered for cleanup.
func (r *Resolver) ZoneCache() *cache.LRUCache[*time.Location] {
	return r.zones
}

// Now returns the current instant.
func (r *Resolver) Now() time.Time {
	return r.now()
}

// Today returns the current calendar date in loc.
func (r *Resolver) Today(loc *time.Location) core.Date {
	return core.DateOf(r.now(), loc)
}

// DayBounds returns the instants at which d starts and ends in loc. The end
// is exclusive and equals the start of the following day, so days that are
// shorter or longer because of DST are covered exactly.
func (r *Resolver) DayBounds(d core.Date, loc *time.Location) (time.Time, time.Time) {
	return d.StartIn(loc), d.AddDays(1).StartIn(loc)
}

// Resolve maps a timezone label to a location. IANA names pass through,
// fixed-offset labels map to a representative zone and anything else falls
// back to UTC.
func (r *Resolver) Resolve(label string) *time.Location {
	key := strings.TrimSpace(label)
	return r.zones.GetOrLoad(key, func() *time.Location {
		loc, err := resolveLabel(key)
		if err != nil {
			slog.Warn("Unknown timezone, falling back to UTC",
				log.FieldComponent, log.ComponentTimezone,
				log.FieldTimezone, label,
				log.FieldError, err)
			return time.UTC
		}
		return loc
	})
}

// ZoneFor resolves the timezone of a user. Users without a stored profile are
// treated as UTC.
func (r *Resolver) ZoneFor(ctx context.Context, userID string) (*time.Location, error) {
	if r.users == nil {
		return time.UTC, nil
	}
	u, err := r.users.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrUserNotFound) {
		slog.DebugContext(ctx, "No profile for user, using UTC",
			log.FieldComponent, log.ComponentTimezone,
			log.FieldUserID, userID)
		return time.UTC, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user timezone: %w", err)
	}
	return r.Resolve(u.Timezone), nil
}

func resolveLabel(label string) (*time.Location, error) {
	switch strings.ToUpper(label) {
	case "", "UTC", "GMT", "Z", "ETC/UTC":
		return time.UTC, nil
	}

	if m := offsetLabel.FindStringSubmatch(label); m != nil {
		return resolveOffset(m[1], m[2], m[3])
	}

	// time.LoadLocation also accepts "Local", which would leak the server zone
	if strings.EqualFold(label, "local") {
		return nil, fmt.Errorf("server-local zone is not a user timezone")
	}
	loc, err := time.LoadLocation(label)
	if err != nil {
		return nil, err
	}
	return loc, nil
}

func resolveOffset(sign, hours, minutes string) (*time.Location, error) {
	h, err := strconv.Atoi(hours)
	if err != nil {
		return nil, err
	}
	m := 0
	if minutes != "" {
		if m, err = strconv.Atoi(minutes); err != nil {
			return nil, err
		}
	}
	if h > 14 || m >= 60 {
		return nil, fmt.Errorf("offset %s%s:%02d out of range", sign, hours, m)
	}

	total := h*60 + m
	if sign == "-" {
		total = -total
	}

	name, ok := offsetZones[total]
	if !ok {
		return nil, fmt.Errorf("no zone for offset %s%02d:%02d", sign, h, m)
	}
	if name == "" {
		return time.FixedZone(fmt.Sprintf("UTC%s%02d:%02d", sign, h, m), total*60), nil
	}
	return time.LoadLocation(name)
}
