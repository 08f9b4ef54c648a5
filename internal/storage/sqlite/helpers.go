package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	relay "github.com/eugener/switchyard/internal"
)

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to relay.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return relay.ErrNotFound
	}
	return err
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	switch s := v.(type) {
	case []string:
		if len(s) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]string:
		if len(s) == 0 {
			return sql.NullString{}, nil
		}
	case []relay.ChainItem:
		if len(s) == 0 {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalStringSlice(ns sql.NullString) ([]string, error) {
	if !ns.Valid {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal([]byte(ns.String), &s); err != nil {
		return nil, fmt.Errorf("unmarshal string slice: %w", err)
	}
	return s, nil
}

func unmarshalStringMap(ns sql.NullString) (map[string]string, error) {
	if !ns.Valid {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("unmarshal string map: %w", err)
	}
	return m, nil
}

func unmarshalChain(ns sql.NullString) ([]relay.ChainItem, error) {
	if !ns.Valid {
		return nil, nil
	}
	var c []relay.ChainItem
	if err := json.Unmarshal([]byte(ns.String), &c); err != nil {
		return nil, fmt.Errorf("unmarshal provider chain: %w", err)
	}
	return c, nil
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, relay.ErrNotFound)
	}
	return nil
}
