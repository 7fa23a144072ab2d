package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/tracky-pm/engine/internal/domain"
)

// sqlxIn expands a `WHERE col IN (?)` placeholder into one `?` per element
// of args, for the variable-length lists the alert status filters and audit
// cleanup deal with.
func sqlxIn(query string, args ...interface{}) (string, []interface{}, error) {
	return sqlx.In(query, args...)
}

// jsonMap adapts map[string]interface{} to a JSONB column.
type jsonMap map[string]interface{}

func (m jsonMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]interface{}(m))
}

func (m *jsonMap) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("jsonMap: unsupported scan type %T", src)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

func mapOrEmpty(m map[string]interface{}) jsonMap {
	if m == nil {
		return jsonMap{}
	}
	return jsonMap(m)
}

// marshalSnapshot/unmarshalSnapshot serialize a baseline's frozen work item
// list into the snapshot JSONB column. Kept separate from jsonMap since the
// stored shape is an array, not an object.
func marshalSnapshot(items []domain.WorkItem) ([]byte, error) {
	if items == nil {
		items = []domain.WorkItem{}
	}
	return json.Marshal(items)
}

func unmarshalSnapshot(raw []byte) ([]domain.WorkItem, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var items []domain.WorkItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	return items, nil
}
