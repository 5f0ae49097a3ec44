package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bizjournal/internal/types"
)

// DefaultScanBatchSize is the page size used when ScannerConfig leaves it unset.
const DefaultScanBatchSize = 500

// DefaultUTCOffsetMinutes applies to preferences with neither a timezone nor
// a fixed offset.
const DefaultUTCOffsetMinutes = 120

// Candidate is a user due a digest at the scanned tick.
type Candidate struct {
	Preference types.DeliveryPreference
	// LocalDay is the user's calendar day at the tick, used as the dedup day.
	LocalDay string
	// LocalTime is the tick in the user's zone.
	LocalTime time.Time
}

// ScannerConfig configures a Scanner.
type ScannerConfig struct {
	BatchSize               int
	DefaultUTCOffsetMinutes int
}

// Scanner selects users whose local hour equals their send hour.
type Scanner struct {
	prefs         PreferenceLister
	batchSize     int
	defaultOffset int
	logger        *slog.Logger
}

// NewScanner creates a Scanner.
func NewScanner(prefs PreferenceLister, cfg ScannerConfig, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultScanBatchSize
	}
	return &Scanner{
		prefs:         prefs,
		batchSize:     cfg.BatchSize,
		defaultOffset: cfg.DefaultUTCOffsetMinutes,
		logger:        logger,
	}
}

// Scan returns every enabled preference due at tick, truncated to the hour.
//
// Malformed records (unknown zone, hour outside 0-23, empty address,
// undecodable content flags) are logged and skipped. Only a failure to list preferences is returned.
func (s *Scanner) Scan(ctx context.Context, tick time.Time) ([]Candidate, error) {
	hour := tick.UTC().Truncate(time.Hour)

	var (
		candidates []Candidate
		after      string
		scanned    int
		skipped    int
	)
	for {
		page, err := s.prefs.ListEnabled(ctx, after, s.batchSize)
		if err != nil {
			return nil, fmt.Errorf("listing enabled preferences after %q: %w", after, err)
		}
		for _, pref := range page {
			scanned++
			if err := pref.Validate(); err != nil {
				skipped++
				s.logger.WarnContext(ctx, "skipping malformed delivery preference",
					"user_id", pref.UserID,
					"error", err,
				)
				continue
			}
			local, err := LocalTime(pref, hour, s.defaultOffset)
			if err != nil {
				skipped++
				s.logger.WarnContext(ctx, "skipping delivery preference with bad timezone",
					"user_id", pref.UserID,
					"timezone", pref.Timezone,
					"error", err,
				)
				continue
			}
			if local.Hour() != pref.SendHour {
				continue
			}
			candidates = append(candidates, Candidate{
				Preference: pref,
				LocalDay:   local.Format(types.DayLayout),
				LocalTime:  local,
			})
		}
		if len(page) < s.batchSize {
			break
		}
		after = page[len(page)-1].UserID
	}

	s.logger.InfoContext(ctx, "eligibility scan complete",
		"tick", hour.Format(time.RFC3339),
		"scanned", scanned,
		"skipped", skipped,
		"due", len(candidates),
	)
	return candidates, nil
}

// LocalTime converts tick into the preference's local time.
//
// The IANA timezone wins when set; otherwise the fixed UTCOffsetMinutes is
// used; otherwise defaultOffsetMinutes.
func LocalTime(pref types.DeliveryPreference, tick time.Time, defaultOffsetMinutes int) (time.Time, error) {
	loc, err := resolveLocation(pref, defaultOffsetMinutes)
	if err != nil {
		return time.Time{}, err
	}
	return tick.In(loc), nil
}

func resolveLocation(pref types.DeliveryPreference, defaultOffsetMinutes int) (*time.Location, error) {
	if pref.Timezone != "" {
		loc, err := time.LoadLocation(pref.Timezone)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidTimezone,
				fmt.Sprintf("invalid timezone %q", pref.Timezone), err)
		}
		return loc, nil
	}
	offset := defaultOffsetMinutes
	if pref.UTCOffsetMinutes != nil {
		offset = *pref.UTCOffsetMinutes
	}
	if offset < -12*60 || offset > 14*60 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidTimezone,
			fmt.Sprintf("utc offset %d minutes out of range", offset), nil)
	}
	return time.FixedZone(offsetName(offset), offset*60), nil
}

// offsetName renders minutes east of UTC as "UTC+05:30".
func offsetName(minutes int) string {
	sign := '+'
	if minutes < 0 {
		sign = '-'
		minutes = -minutes
	}
	return fmt.Sprintf("UTC%c%02d:%02d", sign, minutes/60, minutes%60)
}
