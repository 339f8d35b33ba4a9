// Package protocol defines the JSON message envelope and the inbound
// and outbound message types exchanged over the sync WebSocket
// (spec.md §6). Messages are plain structs instead of a string-keyed
// handler registry so the session state machine in internal/wssession
// can pattern-match on a sum type (spec.md §9).
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vibestack/syncd/internal/changeset"
	"github.com/vibestack/syncd/internal/lsn"
)

// Inbound message type discriminators (client→server).
const (
	TypeCatchupRequest   = "clt_catchup_request"
	TypeCatchupReceived  = "clt_catchup_received"
	TypeChangesReceived  = "clt_changes_received"
	TypeSubmit           = "clt_submit"
	TypeHeartbeat        = "clt_heartbeat"
	TypeDisconnect       = "clt_disconnect"
)

// Outbound message type discriminators (server→client).
const (
	TypeCatchupChanges   = "srv_catchup_changes"
	TypeCatchupCompleted = "srv_catchup_completed"
	TypeLiveChanges      = "srv_live_changes"
	TypeError            = "srv_error"
	TypeSubmitAck        = "srv_submit_ack"
	TypeSubmitNack       = "srv_submit_nack"
)

// Close codes, spec.md §6.
const (
	CloseNormal          = 1000
	CloseAuthFailed      = 4001
	CloseProtocolError   = 4002
	CloseSlowConsumer    = 4003
	CloseSuperseded      = 4004
	CloseHeartbeatLost   = 4005
)

// Envelope is the common shape of every message on the wire. Fields
// specific to a message type are carried in Payload and decoded by the
// caller once Type is known.
type Envelope struct {
	Type      string          `json:"type"`
	ClientID  string          `json:"clientId"`
	MessageID string          `json:"messageId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// DecodeEnvelope splits a wire message into its envelope fields and
// the nested "payload" bytes (re-decoded by the caller against the
// concrete struct for Type).
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// ChangeWire is the wire representation of a changeset.Change, using
// the envelope's camelCase field names instead of Change's internal
// Go field names.
type ChangeWire struct {
	Table     string          `json:"table"`
	Op        string          `json:"op"`
	Data      json.RawMessage `json:"data"`
	LSN       string          `json:"lsn"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// ToWire converts a changeset.Change to its wire form.
func ToWire(c changeset.Change) ChangeWire {
	return ChangeWire{
		Table:     c.Table,
		Op:        string(c.Op),
		Data:      c.Data,
		LSN:       c.LSN.String(),
		UpdatedAt: c.UpdatedAt,
	}
}

// FromWire converts a wire ChangeWire back to a changeset.Change,
// assigning LSN only if w.LSN parses (client-submitted changes carry
// no LSN yet; it is assigned at apply time).
func FromWire(w ChangeWire) (changeset.Change, error) {
	c := changeset.Change{
		Table:     w.Table,
		Op:        changeset.Op(w.Op),
		Data:      w.Data,
		UpdatedAt: w.UpdatedAt,
	}
	if w.LSN != "" {
		parsed, err := lsn.Parse(w.LSN)
		if err != nil {
			return changeset.Change{}, fmt.Errorf("protocol: bad lsn %q: %w", w.LSN, err)
		}
		c.LSN = parsed
	}
	return c, nil
}

// CatchupRequest is clt_catchup_request's payload.
type CatchupRequest struct {
	FromLSN string `json:"fromLSN,omitempty"`
}

// CatchupReceived is clt_catchup_received's payload.
type CatchupReceived struct {
	Chunk int    `json:"chunk"`
	LSN   string `json:"lsn"`
}

// ChangesReceived is clt_changes_received's payload.
type ChangesReceived struct {
	ChangeIDs []string `json:"changeIds"`
	LastLSN   string   `json:"lastLSN"`
}

// Submit is clt_submit's payload.
type Submit struct {
	BatchID string       `json:"batchId"`
	Changes []ChangeWire `json:"changes"`
}

// Sequence labels a catch-up chunk's position, spec.md §4.7.
type Sequence struct {
	Chunk int `json:"chunk"`
	Total int `json:"total"`
}

// CatchupChanges is srv_catchup_changes's payload.
type CatchupChanges struct {
	Changes  []ChangeWire `json:"changes"`
	Sequence Sequence     `json:"sequence"`
	LastLSN  string       `json:"lastLSN"`
}

// CatchupCompleted is srv_catchup_completed's payload.
type CatchupCompleted struct {
	LastLSN string `json:"lastLSN"`
}

// LiveChanges is srv_live_changes's payload.
type LiveChanges struct {
	Changes   []ChangeWire `json:"changes"`
	LastLSN   string       `json:"lastLSN"`
	MessageID string       `json:"messageId"`
}

// ErrorPayload is srv_error's payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RejectedRow describes one row rejected from a submit batch.
type RejectedRow struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// SubmitAck is srv_submit_ack's payload.
type SubmitAck struct {
	BatchID      string `json:"batchId"`
	ResultingLSN string `json:"resultingLSN"`
}

// SubmitNack is srv_submit_nack's payload.
type SubmitNack struct {
	BatchID  string        `json:"batchId"`
	Reason   string        `json:"reason,omitempty"`
	Rejected []RejectedRow `json:"rejected,omitempty"`
}
