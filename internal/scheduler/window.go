package scheduler

import (
	"encoding/json"
	"time"

	"github.com/ds1/outreach/internal/models"
)

// sendDays decodes the campaign's allowed weekdays. An empty or invalid list
// means every day is allowed.
func sendDays(c *models.Campaign) map[time.Weekday]bool {
	if c.SendDays == "" {
		return nil
	}
	var days []int
	if err := json.Unmarshal([]byte(c.SendDays), &days); err != nil || len(days) == 0 {
		return nil
	}
	allowed := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		if d >= 0 && d <= 6 {
			allowed[time.Weekday(d)] = true
		}
	}
	return allowed
}

// campaignLocation resolves the campaign timezone, falling back to UTC
func campaignLocation(c *models.Campaign) *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// InWindow reports whether t falls inside the campaign's send window
func InWindow(c *models.Campaign, t time.Time) bool {
	local := t.In(campaignLocation(c))

	if allowed := sendDays(c); allowed != nil && !allowed[local.Weekday()] {
		return false
	}

	if c.SendHourStart == 0 && c.SendHourEnd == 0 {
		return true
	}
	h := local.Hour()
	return h >= c.SendHourStart && h < c.SendHourEnd
}

// NextOpen returns t unchanged when it is inside the send window, otherwise
// the start of the next open window in the campaign's timezone.
func NextOpen(c *models.Campaign, t time.Time) time.Time {
	if InWindow(c, t) {
		return t
	}

	loc := campaignLocation(c)
	local := t.In(loc)
	allowed := sendDays(c)

	for i := 0; i < 8; i++ {
		day := local.AddDate(0, 0, i)
		if allowed != nil && !allowed[day.Weekday()] {
			continue
		}

		open := time.Date(day.Year(), day.Month(), day.Day(), c.SendHourStart, 0, 0, 0, loc)
		if i == 0 && local.Hour() >= c.SendHourEnd {
			continue // Today's window already closed
		}
		if open.After(local) {
			return open
		}
		if InWindow(c, local) {
			return local
		}
	}

	// No allowed day found within a week; send immediately rather than hold
	// the job forever
	return t
}
