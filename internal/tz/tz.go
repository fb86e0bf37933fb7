// Package tz holds the deployment's fixed civil time offset.
package tz

import "time"

// Deployment is UTC-5 with no daylight saving. Timestamps exchanged with the backend are
// expressed in this offset regardless of the client's local zone.
var Deployment = time.FixedZone("-05:00", -5*60*60)

// Layout serialises with an explicit numeric offset, e.g. 2025-03-01T08:30:00-05:00.
const Layout = "2006-01-02T15:04:05-07:00"

var zoneless = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Parse accepts RFC 3339 timestamps and the zoneless forms some endpoints emit; the latter
// are read in the deployment offset.
func Parse(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	var err error
	for _, layout := range zoneless {
		var t time.Time
		t, err = time.ParseInLocation(layout, s, Deployment)
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

// Format renders t in the deployment offset.
func Format(t time.Time) string {
	return t.In(Deployment).Format(Layout)
}
