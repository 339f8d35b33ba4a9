// Package changeset defines the row-change record and the table
// dependency DAG used to order batches for apply.
package changeset

import (
	"encoding/json"
	"time"

	"github.com/vibestack/syncd/internal/lsn"
)

// Op is the kind of row-level mutation a Change carries.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change is an immutable row-level mutation record (spec.md §3).
//
// For OpDelete, Data need only carry {"id": ...}; for OpInsert/OpUpdate,
// Data must be a complete row image sufficient to upsert.
type Change struct {
	Table     string          `json:"table"`
	Op        Op              `json:"op"`
	Data      json.RawMessage `json:"data"`
	LSN       lsn.LSN         `json:"lsn"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// rowFields is the minimal shape every Data payload must decode into to
// extract the id and origin client, without committing to the full
// domain schema.
type rowFields struct {
	ID       string `json:"id"`
	ClientID string `json:"clientId"`
}

// ID returns Data's "id" field, or "" if absent or unparseable.
func (c Change) ID() string {
	var f rowFields
	if err := json.Unmarshal(c.Data, &f); err != nil {
		return ""
	}
	return f.ID
}

// OriginClientID returns Data's "clientId" field, or "" if absent.
func (c Change) OriginClientID() string {
	var f rowFields
	if err := json.Unmarshal(c.Data, &f); err != nil {
		return ""
	}
	return f.ClientID
}

// Key identifies the row a Change mutates, independent of LSN or op.
type Key struct {
	Table string
	ID    string
}

// RowKey returns the (table, id) key for c, or the zero Key if c has no id.
func (c Change) RowKey() Key {
	return Key{Table: c.Table, ID: c.ID()}
}

// MergeData shallow-merges newer over older, matching C3's
// "{...latest.data, ...next.data}" merge rule: fields present in newer
// override fields in older; fields only in older are preserved.
func MergeData(older, newer json.RawMessage) (json.RawMessage, error) {
	var oldFields, newFields map[string]any
	if len(older) > 0 {
		if err := json.Unmarshal(older, &oldFields); err != nil {
			return nil, err
		}
	}
	if len(newer) > 0 {
		if err := json.Unmarshal(newer, &newFields); err != nil {
			return nil, err
		}
	}
	if oldFields == nil {
		oldFields = map[string]any{}
	}
	for k, v := range newFields {
		oldFields[k] = v
	}
	return json.Marshal(oldFields)
}
