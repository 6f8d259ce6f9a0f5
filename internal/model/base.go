package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Period is a UTC calendar month. Start is inclusive, End exclusive.
type Period struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
}

func NewPeriod(year int, month time.Month) Period {
	return Period{Year: year, Month: month}
}

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) Period {
	t = t.UTC()
	return Period{Year: t.Year(), Month: t.Month()}
}

func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

func (p Period) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(p.Start()) && t.Before(p.End())
}

func (p Period) Valid() bool {
	return p.Year >= 2000 && p.Year <= 9999 && p.Month >= time.January && p.Month <= time.December
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// Before reports whether p ends before other starts.
func (p Period) Before(other Period) bool {
	return p.Start().Before(other.Start())
}

// JSONMap represents a generic JSON object stored in a jsonb column
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = JSONMap{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for JSONMap: %T", src)
	}
	if len(data) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// Clone returns a shallow copy.
func (m JSONMap) Clone() JSONMap {
	if m == nil {
		return nil
	}
	out := make(JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
