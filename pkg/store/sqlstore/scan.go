package sqlstore

import (
	"fmt"
	"time"

	"github.com/wilhg/estore/pkg/store"
)

// SQLite hands DATETIME columns back as text or time.Time depending on how
// they were written; Postgres always returns time.Time.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

type nullTime struct {
	Time  time.Time
	Valid bool
}

func (n *nullTime) Scan(v any) error {
	switch t := v.(type) {
	case nil:
		*n = nullTime{}
		return nil
	case time.Time:
		n.Time = t
	case string:
		return n.parse(t)
	case []byte:
		return n.parse(string(t))
	default:
		return fmt.Errorf("sqlstore: cannot scan %T into time", v)
	}
	n.Time, n.Valid = store.Timestamp(n.Time), true
	return nil
}

func (n *nullTime) parse(s string) error {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			n.Time, n.Valid = store.Timestamp(t), true
			return nil
		}
	}
	return fmt.Errorf("sqlstore: unrecognized time %q", s)
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
