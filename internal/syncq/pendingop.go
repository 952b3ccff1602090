// Package syncq implements the durable offline-first operation sync engine:
// a persisted FIFO of mutations replayed against a remote HTTP API with
// at-most-once effective semantics across retries, conflicts, and crashes.
package syncq

import (
	"time"
)

type OpType string

const (
	OpCreate OpType = "CREATE"
	OpUpdate OpType = "UPDATE"
	OpDelete OpType = "DELETE"
	// OpGet is not enqueueable; it names the read routes the reconciler uses.
	OpGet OpType = "GET"
)

type Status string

const (
	StatusQueued      Status = "queued"
	StatusInFlight    Status = "in_flight"
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
	StatusReconciling Status = "reconciling"
	// StatusCancelled only ever appears in notifications; cancelled ops are
	// removed from the queue, not retained.
	StatusCancelled Status = "cancelled"
)

type ConflictPolicy string

const (
	PolicyLastWriteWins ConflictPolicy = "last_write_wins"
	PolicyServerWins    ConflictPolicy = "server_wins"
	PolicyAbort         ConflictPolicy = "abort"
)

// Error kinds; these are the reason codes of the error taxonomy.
const (
	KindNetwork            = "NETWORK"
	KindRetryable          = "RETRYABLE"
	KindServer             = "SERVER_ERROR"
	KindConflict           = "CONFLICT"
	KindAuth               = "AUTH"
	KindValidation         = "VALIDATION"
	KindPermissionDenied   = "PERMISSION_DENIED"
	KindNotFound           = "NOT_FOUND"
	KindRouting            = "ROUTING"
	KindConflictUnresolved = "CONFLICT_UNRESOLVED"
	KindExhaustedRetries   = "EXHAUSTED_RETRIES"
	KindStorage            = "STORAGE"
	KindCancelled          = "CANCELLED"
)

// ErrorSummary is the structured last-error snapshot carried on an op.
type ErrorSummary struct {
	Kind              string `json:"kind"`
	Message           string `json:"message"`
	HTTPStatus        int    `json:"http_status,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	TraceID           string `json:"trace_id,omitempty"`
}

// PendingOp is the durable unit of work. JSON field names are the wire
// layout of the pending/ and failed/ spaces; timestamps are UTC RFC3339.
type PendingOp struct {
	ID             string         `json:"id"`
	OpType         OpType         `json:"op_type"`
	EntityType     string         `json:"entity_type"`
	EntityID       string         `json:"entity_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	TxnToken       string         `json:"txn_token,omitempty"`
	Status         Status         `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts,omitempty"`
	ConflictPolicy ConflictPolicy `json:"conflict_policy,omitempty"`
	RouteOverride  string         `json:"route_override,omitempty"`

	// BaseSnapshot 为 UPDATE 首次上行时已知的服务端状态，三方合并的 base。
	BaseSnapshot map[string]any `json:"base_snapshot,omitempty"`

	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
	NextAttemptNotBefore *time.Time    `json:"next_attempt_not_before,omitempty"`
	LastError            *ErrorSummary `json:"last_error,omitempty"`
}

// ArchivedOp is a failed op as retained in the failed/ space.
type ArchivedOp struct {
	PendingOp
	ArchivedAt     time.Time `json:"archived_at"`
	ArchivedReason string    `json:"archived_reason"`
}

// Clone returns a deep copy; queue callers get copies so the in-memory
// mirror is never mutated behind the queue's mutex.
func (op *PendingOp) Clone() *PendingOp {
	if op == nil {
		return nil
	}
	out := *op
	out.Payload = cloneAnyMap(op.Payload)
	out.BaseSnapshot = cloneAnyMap(op.BaseSnapshot)
	if op.NextAttemptNotBefore != nil {
		t := *op.NextAttemptNotBefore
		out.NextAttemptNotBefore = &t
	}
	if op.LastError != nil {
		e := *op.LastError
		out.LastError = &e
	}
	return &out
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch tv := v.(type) {
		case map[string]any:
			out[k] = cloneAnyMap(tv)
		case []any:
			cp := make([]any, len(tv))
			copy(cp, tv)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// TerminalKind reports whether kind archives the op (UI rollback fires).
func TerminalKind(kind string) bool {
	switch kind {
	case KindValidation, KindPermissionDenied, KindNotFound, KindRouting,
		KindConflictUnresolved, KindExhaustedRetries:
		return true
	}
	return false
}
