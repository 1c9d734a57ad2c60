package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"calmirror/internal/feed"
	"calmirror/internal/ics"
	"calmirror/internal/models"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
)

var (
	// ErrFetch wraps every failure to download a feed.
	ErrFetch = errors.New("feed fetch failed")
	// ErrNoCalendar is returned when no destination calendar can be found or created.
	ErrNoCalendar = errors.New("no destination calendar available")
)

// IndexError reports that the existing events of a destination calendar
// could not be listed.
type IndexError struct {
	Calendar string
	Err      error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("failed to index existing events of %s: %v", e.Calendar, e.Err)
}

func (e *IndexError) Unwrap() error { return e.Err }

// Fetcher downloads a feed body.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Store is the CalDAV account events are mirrored into.
type Store interface {
	ListCalendars(ctx context.Context) ([]caldav.Calendar, error)
	CreateCalendar(ctx context.Context, name string) (caldav.Calendar, error)
	ListObjects(ctx context.Context, calendarPath string) ([]caldav.CalendarObject, error)
	UpdateObject(ctx context.Context, objectPath string, cal *ical.Calendar) error
	CreateObject(ctx context.Context, calendarPath, uid string, cal *ical.Calendar) (string, error)
}

// Options tune a Syncer.
type Options struct {
	// Location is the reference time zone. Defaults to UTC.
	Location *time.Location
	// DryRun logs what would be written without touching the store.
	DryRun bool
	// FailClosedIndex aborts a calendar when its existing events cannot be listed.
	FailClosedIndex bool
	// RecurrenceAware keeps recurring events that still have future occurrences.
	RecurrenceAware bool
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Result summarizes the sync of one calendar mapping.
type Result struct {
	Calendar string
	Existing int // events already in the destination before the sync
	Past     int // feed events skipped because they already ended
	Future   int // feed events selected for sync
	Added    int
	Updated  int
	Failed   int // events whose create or update failed
	Err      error
}

// Syncer mirrors ICS feeds into CalDAV calendars.
type Syncer struct {
	logger  *slog.Logger
	fetcher Fetcher
	store   Store
	builder *ics.Builder
	opts    Options
}

// NewSyncer creates a new Syncer.
func NewSyncer(logger *slog.Logger, fetcher Fetcher, store Store, builder *ics.Builder, opts Options) *Syncer {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Syncer{
		logger:  logger,
		fetcher: fetcher,
		store:   store,
		builder: builder,
		opts:    opts,
	}
}

// SyncAll syncs every mapping in order. A failing mapping is logged and
// recorded in its Result; it never stops the remaining ones.
func (s *Syncer) SyncAll(ctx context.Context, mappings []models.Mapping) []Result {
	s.logger.Info("Starting sync cycle.", "calendars", len(mappings), "dryRun", s.opts.DryRun,
		"startedAt", s.opts.Now().In(s.opts.Location).Format("2006-01-02 15:04:05"))

	results := make([]Result, 0, len(mappings))
	failed := 0
	for _, m := range mappings {
		if err := ctx.Err(); err != nil {
			s.logger.Warn("Sync cycle interrupted", "error", err)
			break
		}

		res, err := s.SyncCalendar(ctx, m)
		if err != nil {
			failed++
			s.logger.Error("Failed to sync calendar", "calendar", m.Name, "error", err)
		}
		results = append(results, res)
	}

	s.logger.Info("Sync cycle finished.", "calendars", len(results), "failed", failed)
	return results
}

// SyncCalendar mirrors the future events of one feed into the calendar named
// by the mapping. The returned Result carries the same error as the return value.
func (s *Syncer) SyncCalendar(ctx context.Context, m models.Mapping) (res Result, err error) {
	res.Calendar = m.Name
	defer func() { res.Err = err }()

	logger := s.logger.With("calendar", m.Name)
	logger.Info("Syncing calendar", "url", feed.RedactURL(m.URL))

	body, err := s.fetcher.Fetch(ctx, m.URL)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	now := s.opts.Now()
	events, err := ics.Parse(logger, body, s.opts.Location)
	if err != nil {
		return res, fmt.Errorf("failed to parse feed: %w", err)
	}

	target, err := s.resolveCalendar(ctx, logger, m.Name)
	if err != nil {
		return res, err
	}

	index, err := s.indexExisting(ctx, target)
	if err != nil {
		if s.opts.FailClosedIndex {
			return res, err
		}
		logger.Warn("Continuing with an empty index", "error", err)
		index = make(map[string]string)
	}
	res.Existing = len(index)
	logger.Info("Indexed existing events", "count", res.Existing)

	toSync := s.selectFuture(logger, events, now, &res)
	if res.Past > 0 {
		logger.Info("Skipped past events", "count", res.Past)
	}
	logger.Info("Future events to sync", "count", res.Future)

	for _, ev := range toSync {
		s.reconcile(ctx, logger, target, index, ev, now, &res)
	}

	logger.Info("Calendar synced", "added", res.Added, "updated", res.Updated, "failed", res.Failed)
	return res, nil
}

// resolveCalendar finds the calendar named name, creating it when missing.
// If creation fails the first calendar of the account is used instead.
func (s *Syncer) resolveCalendar(ctx context.Context, logger *slog.Logger, name string) (caldav.Calendar, error) {
	calendars, err := s.store.ListCalendars(ctx)
	if err != nil {
		return caldav.Calendar{}, fmt.Errorf("failed to list calendars: %w", err)
	}

	for _, cal := range calendars {
		if cal.Name == name {
			logger.Debug("Using existing calendar", "path", cal.Path)
			return cal, nil
		}
	}

	if s.opts.DryRun {
		logger.Info("[DRY RUN] Would create calendar")
		return caldav.Calendar{Name: name}, nil
	}

	logger.Info("Creating calendar")
	created, err := s.store.CreateCalendar(ctx, name)
	if err == nil {
		return created, nil
	}

	if len(calendars) == 0 {
		return caldav.Calendar{}, fmt.Errorf("%w: create '%s': %w", ErrNoCalendar, name, err)
	}
	logger.Warn("Failed to create calendar, using first available calendar", "error", err, "fallback", calendars[0].Name)
	return calendars[0], nil
}

// indexExisting maps the UID of every event already in target to its object path.
func (s *Syncer) indexExisting(ctx context.Context, target caldav.Calendar) (map[string]string, error) {
	index := make(map[string]string)
	if target.Path == "" {
		// Calendar not created yet (dry run).
		return index, nil
	}

	objects, err := s.store.ListObjects(ctx, target.Path)
	if err != nil {
		return nil, &IndexError{Calendar: target.Name, Err: err}
	}
	for _, obj := range objects {
		for _, uid := range ics.EventUIDs(obj.Data) {
			index[uid] = obj.Path
		}
	}
	return index, nil
}

// selectFuture drops events that already ended, counting them in res.
// When recurrence-aware, single-instance overrides are dropped too: they share
// the UID of their series and would replace it.
func (s *Syncer) selectFuture(logger *slog.Logger, events []models.Event, now time.Time, res *Result) []models.Event {
	var out []models.Event
	for _, ev := range events {
		if s.opts.RecurrenceAware && ev.IsOverride {
			logger.Debug("Skipping recurrence override", "uid", ev.UID, "start", ev.Start.Time)
			continue
		}
		if !ics.IsPast(ev, now, s.opts.Location) {
			if !s.opts.RecurrenceAware {
				ev.RRule = ""
			}
			out = append(out, ev)
			continue
		}

		if s.opts.RecurrenceAware && ev.RRule != "" {
			next, ok, err := ics.NextOccurrence(ev, now, s.opts.Location)
			if err != nil {
				logger.Warn("Ignoring recurrence", "uid", ev.UID, "error", err)
			} else if ok {
				logger.Debug("Keeping recurring event", "uid", ev.UID, "next", next)
				out = append(out, ev)
				continue
			}
		}
		res.Past++
	}
	res.Future = len(out)
	return out
}

// reconcile writes ev to target: an update when its UID is indexed, a create
// otherwise. Failures are logged and counted, never returned.
func (s *Syncer) reconcile(ctx context.Context, logger *slog.Logger, target caldav.Calendar, index map[string]string, ev models.Event, now time.Time, res *Result) {
	cal := s.builder.Build(ev, now)
	objectPath, exists := index[ev.UID]

	if s.opts.DryRun {
		if exists {
			logger.Info("[DRY RUN] Would update event", "uid", ev.UID, "summary", ev.Summary, "start", ev.Start.Time)
			res.Updated++
		} else {
			logger.Info("[DRY RUN] Would create event", "uid", ev.UID, "summary", ev.Summary, "start", ev.Start.Time)
			index[ev.UID] = ""
			res.Added++
		}
		return
	}

	if exists {
		if err := s.store.UpdateObject(ctx, objectPath, cal); err != nil {
			logger.Error("Failed to update event", "uid", ev.UID, "summary", ev.Summary, "error", err)
			res.Failed++
			return
		}
		logger.Debug("Updated event", "uid", ev.UID, "path", objectPath)
		res.Updated++
		return
	}

	created, err := s.store.CreateObject(ctx, target.Path, ev.UID, cal)
	if err != nil {
		logger.Error("Failed to create event", "uid", ev.UID, "summary", ev.Summary, "error", err)
		res.Failed++
		return
	}
	// A UID repeated later in the same feed overwrites this object.
	index[ev.UID] = created
	logger.Debug("Created event", "uid", ev.UID, "path", created)
	res.Added++
}
