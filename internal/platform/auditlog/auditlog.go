// Package auditlog appends tamper-evident rows to audit_events. Node
// transitions are written inside the transaction that applies them, rejected
// callbacks on their own.
package auditlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const insertQuery = `INSERT INTO audit_events
	(occurred_at, actor, action, resource_type, resource_id, request_id, ip, payload, integrity_sha256)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)
RETURNING event_id`

const (
	ResourceNode = "node"
	ResourceHTTP = "http"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type Event struct {
	OccurredAt   time.Time  `json:"occurred_at" validate:"required"`
	Actor        string     `json:"actor" validate:"required"`
	Action       string     `json:"action" validate:"required"`
	ResourceType string     `json:"resource_type" validate:"required,oneof=node http"`
	ResourceID   string     `json:"resource_id" validate:"required"`
	RequestID    string     `json:"request_id,omitempty"`
	IP           netip.Addr `json:"ip,omitzero"`
	Payload      any        `json:"-"`
}

// QueryRower is satisfied by *sql.DB and *sql.Tx.
type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (e Event) normalized() Event {
	e.OccurredAt = e.OccurredAt.UTC()
	e.Actor = strings.TrimSpace(e.Actor)
	e.Action = strings.TrimSpace(e.Action)
	e.ResourceType = strings.TrimSpace(e.ResourceType)
	e.ResourceID = strings.TrimSpace(e.ResourceID)
	e.RequestID = strings.TrimSpace(e.RequestID)
	return e
}

func (e Event) Validate() error {
	err := validate.Struct(e.normalized())
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Tag() == "required" {
			msgs = append(msgs, fe.Field()+" is required")
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s %q is not allowed", fe.Field(), fe.Value()))
	}
	return fmt.Errorf("audit event: %s", strings.Join(msgs, ", "))
}

// Seal returns the payload JSON stored with e and the digest over the event
// and that payload. The digest is recomputable from the stored row.
func Seal(e Event) (payload []byte, digest string, err error) {
	e = e.normalized()
	body := e.Payload
	if body == nil {
		body = map[string]any{}
	}
	payload, err = json.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("marshal audit payload: %w", err)
	}
	canonical, err := json.Marshal(struct {
		Event
		Payload json.RawMessage `json:"payload"`
	}{Event: e, Payload: payload})
	if err != nil {
		return nil, "", fmt.Errorf("marshal audit event: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return payload, hex.EncodeToString(sum[:]), nil
}

// Insert appends e and returns its event id. A zero OccurredAt is stamped
// with the current time.
func Insert(ctx context.Context, q QueryRower, e Event) (int64, error) {
	if q == nil {
		return 0, errors.New("audit queryer is required")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	if err := e.Validate(); err != nil {
		return 0, err
	}
	payload, digest, err := Seal(e)
	if err != nil {
		return 0, err
	}
	e = e.normalized()

	var ip any
	if e.IP.IsValid() {
		ip = e.IP.String()
	}
	var id int64
	err = q.QueryRowContext(ctx, insertQuery,
		e.OccurredAt, e.Actor, e.Action, e.ResourceType, e.ResourceID, e.RequestID, ip, payload, digest,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert audit event %s: %w", e.Action, err)
	}
	return id, nil
}
