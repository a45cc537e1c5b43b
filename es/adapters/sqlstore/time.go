package sqlstore

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// TextTimeFormat is the fixed-width UTC layout for databases that store times as text.
// Fixed width keeps lexical and chronological order identical.
const TextTimeFormat = "2006-01-02 15:04:05.000000"

// textTimeFormats lists layouts accepted when reading text timestamps.
var textTimeFormats = []string{
	TextTimeFormat,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
}

// FormatTextTime renders t in TextTimeFormat.
func FormatTextTime(t time.Time) string {
	return t.UTC().Format(TextTimeFormat)
}

// ParseTextTime parses a text timestamp written by FormatTextTime or the database itself.
func ParseTextTime(s string) (time.Time, error) {
	for _, layout := range textTimeFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}

// normalizeTime truncates to the precision every supported database keeps.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// timeScanner reads a timestamp stored natively or as text.
type timeScanner struct {
	dst   *time.Time
	valid bool
}

func scanTime(dst *time.Time) *timeScanner { return &timeScanner{dst: dst} }

// Scan implements sql.Scanner.
func (s *timeScanner) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*s.dst = time.Time{}
		s.valid = false
		return nil
	case time.Time:
		*s.dst = v.UTC()
	case string:
		t, err := ParseTextTime(v)
		if err != nil {
			return err
		}
		*s.dst = t
	case []byte:
		t, err := ParseTextTime(string(v))
		if err != nil {
			return err
		}
		*s.dst = t
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
	s.valid = true
	return nil
}

// nullTime reads a nullable timestamp into a *time.Time.
type nullTime struct {
	dst **time.Time
	t   time.Time
}

func scanNullTime(dst **time.Time) *nullTime { return &nullTime{dst: dst} }

// Scan implements sql.Scanner.
func (n *nullTime) Scan(src interface{}) error {
	ts := timeScanner{dst: &n.t}
	if err := ts.Scan(src); err != nil {
		return err
	}
	if !ts.valid {
		*n.dst = nil
		return nil
	}
	t := n.t
	*n.dst = &t
	return nil
}

// nullString maps NULL to "" and "" to NULL.
func nullString(s string) driver.Value {
	if s == "" {
		return nil
	}
	return s
}
