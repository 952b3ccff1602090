package syncq

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"

	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	infraerrors "github.com/Wei-Shaw/opsync/internal/pkg/errors"
)

// ResolutionAction tells the engine what to do with a conflicted op.
type ResolutionAction string

const (
	// ResolutionRequeue carries a merged payload to replay.
	ResolutionRequeue ResolutionAction = "requeue"
	// ResolutionDiscard drops the local op; the server state stands.
	ResolutionDiscard ResolutionAction = "discard"
	// ResolutionAbort archives the op as CONFLICT_UNRESOLVED.
	ResolutionAbort ResolutionAction = "abort"
)

type Resolution struct {
	Action ResolutionAction
	// Payload is the merged payload when Action is requeue.
	Payload map[string]any
	// Remote is the server state fetched during resolution; the optimistic
	// layer uses it to repaint the entity.
	Remote map[string]any
	// Kind overrides the archive reason when Action is abort.
	Kind string
}

// Reconciler settles 409 conflicts by fetching the remote state and
// applying the op's conflict policy against base (last known server
// state), local (the op payload), and remote.
type Reconciler struct {
	client        *APIClient
	router        *Router
	defaultPolicy ConflictPolicy
	// fingerprints lists, per entity type, the fields that identify a
	// CREATE: when the remote copy matches on all of them the conflict is
	// our own earlier attempt landing twice.
	fingerprints map[string][]string
	log          *zap.Logger
}

func NewReconciler(client *APIClient, router *Router, defaultPolicy ConflictPolicy, fingerprints map[string][]string, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	if defaultPolicy == "" {
		defaultPolicy = PolicyLastWriteWins
	}
	return &Reconciler{client: client, router: router, defaultPolicy: defaultPolicy, fingerprints: fingerprints, log: log}
}

// Resolve returns how to settle the conflict, or a retryable error when the
// remote read itself failed (network, 5xx) so the engine can back off and
// try resolution again.
func (r *Reconciler) Resolve(ctx context.Context, op *PendingOp) (*Resolution, error) {
	read := op.Clone()
	read.OpType = OpGet
	read.RouteOverride = ""
	method, path, err := r.router.Resolve(read)
	if err != nil {
		return &Resolution{Action: ResolutionAbort, Kind: KindRouting}, nil
	}

	out := r.client.Fetch(ctx, method, path)
	switch {
	case out.Success():
	case out.HTTPStatus == http.StatusNotFound:
		if op.OpType == OpDelete {
			// 远端已不存在，删除的目的已经达成。
			return &Resolution{Action: ResolutionDiscard}, nil
		}
		// 实体已在远端删除，本地变更无处可落。
		return &Resolution{Action: ResolutionAbort, Kind: KindNotFound}, nil
	default:
		if out.Err != nil {
			return nil, infraerrors.ServiceUnavailable(KindNetwork, "conflict read failed").WithCause(out.Err)
		}
		return nil, infraerrors.ServiceUnavailable(KindServer, "conflict read failed").
			WithMetadata(map[string]string{"status": http.StatusText(out.HTTPStatus)})
	}

	var remote map[string]any
	if err := json.Unmarshal(out.Body, &remote); err != nil {
		return nil, infraerrors.ServiceUnavailable(KindServer, "conflict read returned malformed body").WithCause(err)
	}

	switch op.OpType {
	case OpDelete:
		// Resource is still there: someone re-touched the entity after our
		// delete was issued. Destroying their change silently is not an
		// option, so the operator decides.
		return &Resolution{Action: ResolutionAbort, Remote: remote, Kind: KindConflictUnresolved}, nil
	case OpCreate:
		if fields := r.fingerprints[op.EntityType]; len(fields) > 0 && fingerprintMatches(fields, op.Payload, remote) {
			// 409 against our own earlier CREATE: the entity already exists
			// as we intended it.
			return &Resolution{Action: ResolutionDiscard, Remote: remote}, nil
		}
		// Someone else owns this id; replaying the POST can only 409 again.
		return &Resolution{Action: ResolutionAbort, Remote: remote, Kind: KindConflictUnresolved}, nil
	}

	policy := op.ConflictPolicy
	if policy == "" {
		policy = r.defaultPolicy
	}

	switch policy {
	case PolicyAbort:
		return &Resolution{Action: ResolutionAbort, Remote: remote, Kind: KindConflictUnresolved}, nil
	case PolicyServerWins, PolicyLastWriteWins:
		merged, err := threeWayMerge(out.Body, remote, op.BaseSnapshot, op.Payload, policy == PolicyServerWins)
		if err != nil {
			return nil, infraerrors.InternalServer(KindConflictUnresolved, "merge failed").WithCause(err)
		}
		r.log.Info("conflict merged",
			zap.String("op_id", op.ID),
			zap.String("entity_id", op.EntityID),
			zap.String("policy", string(policy)),
		)
		return &Resolution{Action: ResolutionRequeue, Payload: merged, Remote: remote}, nil
	}
	return &Resolution{Action: ResolutionAbort, Remote: remote, Kind: KindConflictUnresolved}, nil
}

// threeWayMerge starts from the remote document and overlays local fields
// that changed relative to base. Fields changed only on the server keep the
// server value. For fields changed on both sides, remoteWinsOverlap picks
// the winner: false replays the local value (lastWriteWins), true keeps the
// server's (serverWins). A nil base means every local field counts as
// changed, and under serverWins any field the remote carries is treated as
// overlapping.
func threeWayMerge(remoteJSON []byte, remote, base, local map[string]any, remoteWinsOverlap bool) (map[string]any, error) {
	doc := string(remoteJSON)
	for key, localVal := range local {
		if base != nil {
			if baseVal, ok := base[key]; ok && reflect.DeepEqual(baseVal, localVal) {
				// Unchanged locally: the remote value wins.
				continue
			}
		}
		if remoteWinsOverlap && remoteChanged(remote, base, key) {
			continue
		}
		var err error
		doc, err = sjson.Set(doc, escapeSJSONKey(key), localVal)
		if err != nil {
			return nil, err
		}
	}
	merged := map[string]any{}
	if err := json.Unmarshal([]byte(doc), &merged); err != nil {
		return nil, err
	}
	return merged, nil
}

func remoteChanged(remote, base map[string]any, key string) bool {
	remoteVal, ok := remote[key]
	if !ok {
		return false
	}
	if base == nil {
		return true
	}
	baseVal, ok := base[key]
	if !ok {
		return true
	}
	return !reflect.DeepEqual(baseVal, remoteVal)
}

func fingerprintMatches(fields []string, local, remote map[string]any) bool {
	for _, f := range fields {
		if !reflect.DeepEqual(local[f], remote[f]) {
			return false
		}
	}
	return true
}

// escapeSJSONKey keeps literal dots in payload keys from being read as
// path separators.
func escapeSJSONKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.', '*', '?', '|', '#', '@', '\\':
			out = append(out, '\\')
		}
		out = append(out, key[i])
	}
	return string(out)
}
