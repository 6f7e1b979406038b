package notify

import (
	"strconv"
	"strings"
	"time"

	"vodum/internal/models"
)

var templateVars = []string{"username", "email", "expiration_date", "days_left"}

// BuildUserContext returns the template variables of a user. days_left is empty when the
// expiration date is missing or unreadable.
func BuildUserContext(u models.VodumUser, today time.Time) map[string]string {
	vars := map[string]string{
		"username":        u.Username,
		"email":           u.Email.ValueOrZero(),
		"expiration_date": u.ExpirationDate.ValueOrZero(),
		"days_left":       "",
	}
	if exp, ok := ParseDate(u.ExpirationDate.ValueOrZero()); ok {
		vars["days_left"] = strconv.Itoa(DaysBetween(today, exp))
	}
	return vars
}

// Render substitutes {var} placeholders. Unknown placeholders are left as they are.
func Render(text string, vars map[string]string) string {
	pairs := make([]string, 0, 2*len(templateVars))
	for _, k := range templateVars {
		pairs = append(pairs, "{"+k+"}", vars[k])
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// ParseDate reads a YYYY-MM-DD date, also accepting a full timestamp.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339, time.DateTime} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

// DaysBetween counts calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}
