package condition

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// dayLetters maps the grammar's single-letter day codes to time.Weekday.
var dayLetters = map[byte]time.Weekday{
	'M': time.Monday,
	'T': time.Tuesday,
	'W': time.Wednesday,
	'R': time.Thursday,
	'F': time.Friday,
	'S': time.Saturday,
	'U': time.Sunday,
}

// timeRange is one parsed `HH[:MM[:SS]]-HH[:MM[:SS]]` window, or the literal
// `true` (always conforms for that day).
type timeRange struct {
	always bool
	start  time.Duration
	end    time.Duration
}

// dayRanges holds the parsed, merged ranges for every day letter present in
// a `is_in_day_of_week_time_ranges` condition's Values.
type dayRanges map[byte][]timeRange

// parseDayOfWeekTimeRanges parses the grammar described in §4.4: a list of
// strings `D/R1,R2,…[/TZ]`. The timezone segment, if present, is currently
// ignored beyond validating it is non-empty — all comparisons are against
// ctx.Now, which callers are expected to supply already in UTC.
func parseDayOfWeekTimeRanges(values []string) (dayRanges, error) {
	out := dayRanges{}
	for _, v := range values {
		parts := strings.Split(v, "/")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("invalid day-of-week/time-range entry %q", v)
		}
		if len(parts[0]) != 1 {
			return nil, fmt.Errorf("invalid day letter in %q", v)
		}
		day := parts[0][0]
		if _, ok := dayLetters[day]; !ok {
			return nil, fmt.Errorf("unknown day letter %q", string(day))
		}
		if len(parts) == 3 && parts[2] == "" {
			return nil, fmt.Errorf("empty timezone segment in %q", v)
		}

		for _, r := range strings.Split(parts[1], ",") {
			if r == "true" {
				out[day] = append(out[day], timeRange{always: true})
				continue
			}
			tr, err := parseRange(r)
			if err != nil {
				return nil, fmt.Errorf("invalid time range %q: %w", r, err)
			}
			out[day] = append(out[day], tr)
		}
	}
	return out, nil
}

func parseRange(s string) (timeRange, error) {
	bounds := strings.SplitN(s, "-", 2)
	if len(bounds) != 2 {
		return timeRange{}, fmt.Errorf("invalid time range")
	}
	start, err := parseClock(bounds[0])
	if err != nil {
		return timeRange{}, err
	}
	end, err := parseClock(bounds[1])
	if err != nil {
		return timeRange{}, err
	}
	if start > end {
		return timeRange{}, fmt.Errorf("invalid time range")
	}
	return timeRange{start: start, end: end}, nil
}

// parseClock parses HH[:MM[:SS]] into a duration since midnight.
func parseClock(s string) (time.Duration, error) {
	fields := strings.Split(s, ":")
	if len(fields) < 1 || len(fields) > 3 {
		return 0, fmt.Errorf("invalid clock value %q", s)
	}
	nums := make([]int, 3)
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return 0, fmt.Errorf("invalid clock value %q", s)
		}
		nums[i] = n
	}
	hh, mm, ss := nums[0], nums[1], nums[2]
	if hh < 0 || hh > 24 || mm < 0 || mm > 59 || ss < 0 || ss > 59 {
		return 0, fmt.Errorf("invalid clock value %q", s)
	}
	if hh == 24 && (mm != 0 || ss != 0) {
		return 0, fmt.Errorf("invalid clock value %q", s)
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute + time.Duration(ss)*time.Second, nil
}

// conforms reports whether now falls within any configured range for its
// weekday, and if so the wall-clock instant (on now's calendar day) at which
// the longest such range ends, so the caller can compute a bounded expiry.
func (d dayRanges) conforms(now time.Time) (ok bool, windowEnd time.Time) {
	var letter byte
	for l, wd := range dayLetters {
		if wd == now.Weekday() {
			letter = l
			break
		}
	}
	ranges, present := d[letter]
	if !present {
		return false, time.Time{}
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	tod := now.Sub(dayStart)

	var best time.Duration = -1
	matched := false
	for _, r := range ranges {
		if r.always {
			matched = true
			// An always-true range's window extends through the end of the
			// calendar day.
			if 24*time.Hour > best {
				best = 24 * time.Hour
			}
			continue
		}
		if tod >= r.start && tod <= r.end {
			matched = true
			if r.end > best {
				best = r.end
			}
		}
	}
	if !matched {
		return false, time.Time{}
	}
	return true, dayStart.Add(best)
}
