package notify

import (
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/corvid-net/sentinel/internal/domain"
)

// inQuietHours reports whether now falls within the profile's quiet-hours
// window. Grounded on the teacher's isInQuietHours (internal/alerts/alerts.go),
// generalized to the spec's simpler start/end/timezone-only schedule (no
// per-day toggles) and to the spec's explicit DST edge-case rules:
//
//   - Spring-forward: a wall time inside the skipped hour does not exist;
//     time.Date's normalization for that case is explicitly documented as
//     not well-defined, so resolveWallTime detects the gap (the computed
//     instant's wall-clock reading won't match the requested hour/minute)
//     and snaps forward to the transition boundary itself — "the folded
//     instant" spec §8 requires (e.g. 03:00 local for a 02:30 start on a
//     1h spring-forward day).
//   - Fall-back: an ambiguous wall time (inside the repeated hour) resolves
//     via the zone's offset in effect at the start of that calendar day,
//     which is the pre-transition offset — "the first occurrence". Since
//     both candidate instants share the requested wall-clock reading, this
//     case passes through resolveWallTime's gap check unchanged.
func inQuietHours(now time.Time, qh *domain.QuietHours) bool {
	if qh == nil || !qh.Enabled {
		return false
	}

	loc, err := time.LoadLocation(qh.Timezone)
	if err != nil {
		log.Warn().Err(err).Str("timezone", qh.Timezone).Msg("notify: invalid quiet hours timezone, suppressing disabled")
		return false
	}

	local := now.In(loc)
	startH, startM, err := parseHHMM(qh.Start)
	if err != nil {
		log.Warn().Err(err).Str("start", qh.Start).Msg("notify: invalid quiet hours start")
		return false
	}
	endH, endM, err := parseHHMM(qh.End)
	if err != nil {
		log.Warn().Err(err).Str("end", qh.End).Msg("notify: invalid quiet hours end")
		return false
	}

	start := resolveWallTime(local.Year(), local.Month(), local.Day(), startH, startM, loc)
	end := resolveWallTime(local.Year(), local.Month(), local.Day(), endH, endM, loc)

	if start.Before(end) {
		return !local.Before(start) && local.Before(end)
	}
	// Overnight window (e.g. 22:00 -> 06:00): split across midnight.
	return !local.Before(start) || local.Before(end)
}

// resolveWallTime builds the instant for a local wall clock reading,
// explicitly handling the spring-forward case where that reading was
// skipped entirely. time.Date's behavior for a nonexistent wall time is
// documented as not well-defined, so the result is checked: if replaying
// it through loc doesn't reproduce the requested hour/minute, the
// requested time fell inside a DST gap and snapToGapBoundary locates the
// transition instant directly from the zone offset change.
func resolveWallTime(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	t := time.Date(year, month, day, hour, minute, 0, 0, loc)
	if h, m, _ := t.Clock(); h == hour && m == minute {
		return t
	}
	return snapToGapBoundary(year, month, day, loc)
}

// snapToGapBoundary locates the exact spring-forward transition instant
// within the given local calendar day via binary search on the zone
// offset, rather than relying on time.Date to land on it implicitly.
func snapToGapBoundary(year int, month time.Month, day int, loc *time.Location) time.Time {
	low := time.Date(year, month, day, 0, 0, 0, 0, loc)
	high := low.Add(24 * time.Hour)

	_, lowOff := low.Zone()
	_, highOff := high.Zone()
	if lowOff == highOff {
		// No transition this day; nothing to snap to.
		return low
	}

	for high.Sub(low) > time.Second {
		mid := low.Add(high.Sub(low) / 2)
		if _, off := mid.Zone(); off == lowOff {
			low = mid
		} else {
			high = mid
		}
	}
	return high
}

func parseHHMM(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, errBadTimeFormat(s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, errBadTimeFormat(s)
	}
	return hour, minute, nil
}

type errBadTimeFormat string

func (e errBadTimeFormat) Error() string { return "notify: bad HH:MM time: " + string(e) }
