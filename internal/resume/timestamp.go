package resume

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var labeledLine = regexp.MustCompile(`(?i)^[\s>*_#-]*(last updated|timestamp|updated|saved|date)[*_\s]*:[*_\s]*(.+)$`)

type extractor struct {
	re *regexp.Regexp
	// build turns submatches into a time.
	build func(m []string) (time.Time, bool)
}

var extractors = []extractor{
	{
		re: regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})T(\d{2}):(\d{2})(?::(\d{2})(?:\.(\d{1,9}))?)?(Z|[+-]\d{2}:?\d{2})?`),
		build: func(m []string) (time.Time, bool) {
			loc, ok := zone(m[8])
			if !ok {
				return time.Time{}, false
			}
			return date(m[1], m[2], m[3], m[4], m[5], m[6], m[7], loc)
		},
	},
	{
		re: regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2}) (\d{2}):(\d{2})(?::(\d{2}))?`),
		build: func(m []string) (time.Time, bool) {
			return date(m[1], m[2], m[3], m[4], m[5], m[6], "", time.Local)
		},
	},
	{
		re: regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})`),
		build: func(m []string) (time.Time, bool) {
			return date(m[1], m[2], m[3], "", "", "", "", time.Local)
		},
	},
	{
		re: regexp.MustCompile(`(\d{2})/(\d{2})/(\d{4})(?: (\d{2}):(\d{2})(?::(\d{2}))?)?`),
		build: func(m []string) (time.Time, bool) {
			return date(m[3], m[1], m[2], m[4], m[5], m[6], "", time.Local)
		},
	},
	{
		re: regexp.MustCompile(`(\d{2})\.(\d{2})\.(\d{4})(?: (\d{2}):(\d{2})(?::(\d{2}))?)?`),
		build: func(m []string) (time.Time, bool) {
			return date(m[3], m[2], m[1], m[4], m[5], m[6], "", time.Local)
		},
	},
}

// ParseTimestamp finds the snapshot time in text. It tries the whole text
// as RFC 3339, then lines labeled "Last Updated:", "Timestamp:", "Updated:",
// "Saved:" or "Date:", then free text. Within a layer the first extractor
// that matches wins and the most recent of its matches is returned.
func ParseTimestamp(text string) (time.Time, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, trimmed); err == nil {
		return t, true
	}

	var labeled []string
	for _, line := range strings.Split(trimmed, "\n") {
		if m := labeledLine.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			labeled = append(labeled, m[2])
		}
	}
	if len(labeled) > 0 {
		if t, ok := extract(strings.Join(labeled, "\n")); ok {
			return t, true
		}
	}
	return extract(trimmed)
}

func extract(text string) (time.Time, bool) {
	for _, ex := range extractors {
		var best time.Time
		found := false
		for _, m := range ex.re.FindAllStringSubmatch(text, -1) {
			t, ok := ex.build(m)
			if !ok {
				continue
			}
			if !found || t.After(best) {
				best, found = t, true
			}
		}
		if found {
			return best, true
		}
	}
	return time.Time{}, false
}

func zone(s string) (*time.Location, bool) {
	switch {
	case s == "":
		return time.Local, true
	case s == "Z":
		return time.UTC, true
	}
	sign := 1
	if s[0] == '-' {
		sign = -1
	}
	digits := strings.ReplaceAll(s[1:], ":", "")
	if len(digits) != 4 {
		return nil, false
	}
	h, _ := strconv.Atoi(digits[:2])
	m, _ := strconv.Atoi(digits[2:])
	if h > 23 || m > 59 {
		return nil, false
	}
	return time.FixedZone("", sign*(h*3600+m*60)), true
}

// date validates the fields and rejects values time.Date would normalize.
func date(y, mo, d, h, mi, s, frac string, loc *time.Location) (time.Time, bool) {
	year := atoi(y)
	month := atoi(mo)
	day := atoi(d)
	hour := atoi(h)
	minute := atoi(mi)
	second := atoi(s)
	if month < 1 || month > 12 || day < 1 || hour > 23 || minute > 59 || second > 59 {
		return time.Time{}, false
	}
	nsec := 0
	if frac != "" {
		nsec = atoi((frac + "000000000")[:9])
	}
	t := time.Date(year, time.Month(month), day, hour, minute, second, nsec, loc)
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, false
	}
	return t, true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
