package expiry

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FromMonthYear accepts a month ("9" or "09") and a year ("30" or "2030")
// and returns the canonical YYMM form.
func FromMonthYear(month, year string) (string, error) {
	month = strings.TrimSpace(month)
	year = strings.TrimSpace(year)
	if month == "" || !isDigits(month) || len(month) > 2 {
		return "", fmt.Errorf("expiry month must be 1 or 2 digits")
	}
	mm, _ := strconv.Atoi(month)
	if mm < 1 || mm > 12 {
		return "", fmt.Errorf("expiry month must be 01..12")
	}
	switch {
	case len(year) == 4 && isDigits(year) && strings.HasPrefix(year, "20"):
		year = year[2:]
	case len(year) == 2 && isDigits(year):
	default:
		return "", fmt.Errorf("expiry year must be YY or 20YY")
	}
	return fmt.Sprintf("%s%02d", year, mm), nil
}

// ParseYYMMEndOfMonth parses YYMM into the last instant of that month in loc.
func ParseYYMMEndOfMonth(yymm string, loc *time.Location) (time.Time, error) {
	if err := ValidateYYMM(yymm); err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	yy, _ := strconv.Atoi(yymm[:2])
	mm, _ := strconv.Atoi(yymm[2:])
	firstNext := time.Date(2000+yy, time.Month(mm), 1, 0, 0, 0, 0, loc).AddDate(0, 1, 0)
	return firstNext.Add(-time.Nanosecond), nil
}

// IsExpired reports whether 'at' is strictly after the end of the YYMM month in loc.
// Cards stay usable through the whole expiry month.
func IsExpired(yymm string, at time.Time, loc *time.Location) (bool, error) {
	end, err := ParseYYMMEndOfMonth(yymm, loc)
	if err != nil {
		return false, err
	}
	return at.In(end.Location()).After(end), nil
}

// ParseCardFace accepts "MM/YY" or "MMYY" and returns YYMM.
func ParseCardFace(in string) (string, error) {
	s := strings.ReplaceAll(strings.TrimSpace(in), "/", "")
	if len(s) != 4 || !isDigits(s) {
		return "", fmt.Errorf("card face must be MM/YY or MMYY")
	}
	return FromMonthYear(s[:2], s[2:])
}

func ValidateYYMM(yymm string) error {
	if len(yymm) != 4 || !isDigits(yymm) {
		return fmt.Errorf("expiry must be YYMM (4 digits)")
	}
	mm := int(yymm[2]-'0')*10 + int(yymm[3]-'0')
	if mm < 1 || mm > 12 {
		return fmt.Errorf("expiry month must be 01..12")
	}
	return nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
