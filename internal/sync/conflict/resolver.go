// Package conflict applies resolution choices to detected sync conflicts.
package conflict

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/jonboulle/clockwork"

	"github.com/stocknest/backend/internal/errors"
	"github.com/stocknest/backend/internal/logging"
	"github.com/stocknest/backend/internal/models"
	"github.com/stocknest/backend/internal/store"
	"github.com/stocknest/backend/internal/uuid"
)

// Resolver turns a ConflictItem plus a user choice into a persisted
// outcome. The computed winner depends only on the conflict's two snapshots
// and the choice, so any device holding the same ConflictItem reaches the
// same state.
type Resolver struct {
	repo  store.SyncRepository
	clock clockwork.Clock
}

// NewResolver creates a Resolver.
func NewResolver(repo store.SyncRepository, clock clockwork.Clock) *Resolver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Resolver{repo: repo, clock: clock}
}

// Resolve computes the winning snapshot for the conflict, writes it through
// the store, and appends a conflict_log row. The entity's UpdatedAt is set
// to resolution time so the outcome propagates as the newest version. The
// returned warehouse is the tree that now holds the entity.
func (r *Resolver) Resolve(c *models.ConflictItem, choice models.ResolutionChoice) (*models.Warehouse, error) {
	if c == nil || len(c.Local) == 0 || len(c.Remote) == 0 {
		return nil, errors.New(errors.ErrConflictInvalid, "conflict is missing a snapshot")
	}

	winner, err := r.winningDocument(c, choice)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now().Unix()
	w, err := r.apply(c, winner, now)
	if err != nil {
		return nil, err
	}

	logRow := &models.ConflictLog{
		ID:              models.UUID(uuid.New()),
		EntityID:        c.EntityID,
		EntityKind:      c.EntityKind,
		RemoteDeviceID:  c.RemoteDeviceID,
		LocalTimestamp:  c.LocalTimestamp,
		RemoteTimestamp: c.RemoteTimestamp,
		Resolution:      string(choice),
		DetectedAt:      c.DetectedAt,
		ResolvedAt:      now,
	}
	if err := r.repo.CreateConflictLog(logRow); err != nil {
		// The resolution itself is already applied; a missing audit row is
		// worth a log line, not a rollback.
		logging.Error("failed to write conflict log", err, map[string]interface{}{
			"conflict_id": c.ID.String(),
		})
	}

	logging.Info("conflict resolved", map[string]interface{}{
		"conflict_id": c.ID.String(),
		"entity_id":   c.EntityID.String(),
		"entity_kind": c.EntityKind,
		"choice":      string(choice),
	})

	return w, nil
}

// winningDocument selects or builds the snapshot the resolution applies.
func (r *Resolver) winningDocument(c *models.ConflictItem, choice models.ResolutionChoice) ([]byte, error) {
	switch choice {
	case models.ResolutionLocal:
		return c.Local, nil
	case models.ResolutionRemote:
		return c.Remote, nil
	case models.ResolutionMerge:
		return mergeDocuments(c.Local, c.Remote)
	default:
		return nil, errors.New(errors.ErrConflictInvalid, fmt.Sprintf("unknown resolution choice %q", choice))
	}
}

// apply writes the winning snapshot onto the stored tree holding the
// entity. A warehouse conflict for a warehouse we do not have yet is
// inserted; any other missing entity is an error.
func (r *Resolver) apply(c *models.ConflictItem, winner []byte, now int64) (*models.Warehouse, error) {
	w, _, err := r.repo.FindWarehouseContaining(c.EntityID)
	if err != nil {
		if c.EntityKind != "warehouse" {
			return nil, errors.Wrap(errors.ErrEntityNotFound, "conflict entity not found locally", err)
		}
		var fresh models.Warehouse
		if err := json.Unmarshal(winner, &fresh); err != nil {
			return nil, errors.Wrap(errors.ErrMalformedPayload, "bad warehouse snapshot", err)
		}
		fresh.UpdatedAt = now
		if err := r.repo.SaveWarehouse(&fresh); err != nil {
			return nil, err
		}
		return &fresh, nil
	}

	if err := applyToTree(w, c.EntityKind, c.EntityID, winner, now); err != nil {
		return nil, err
	}
	if err := r.repo.SaveWarehouse(w); err != nil {
		return nil, err
	}
	return w, nil
}

// applyToTree overwrites one node's own fields inside the tree. Children
// are untouched; they were merged independently.
func applyToTree(w *models.Warehouse, kind string, entityID models.UUID, doc []byte, now int64) error {
	switch kind {
	case "warehouse":
		if w.ID != entityID {
			return errors.New(errors.ErrEntityNotFound, "warehouse id mismatch")
		}
		var v models.Warehouse
		if err := json.Unmarshal(doc, &v); err != nil {
			return errors.Wrap(errors.ErrMalformedPayload, "bad warehouse snapshot", err)
		}
		w.Name = v.Name
		w.Description = v.Description
		w.IsPublic = v.IsPublic
		w.UpdatedAt = now
		return nil

	case "room":
		for _, room := range w.Rooms {
			if room.ID != entityID {
				continue
			}
			var v models.Room
			if err := json.Unmarshal(doc, &v); err != nil {
				return errors.Wrap(errors.ErrMalformedPayload, "bad room snapshot", err)
			}
			room.Name = v.Name
			room.UpdatedAt = now
			return nil
		}

	case "container":
		for _, room := range w.Rooms {
			for _, ct := range room.Containers {
				if ct.ID != entityID {
					continue
				}
				var v models.Container
				if err := json.Unmarshal(doc, &v); err != nil {
					return errors.Wrap(errors.ErrMalformedPayload, "bad container snapshot", err)
				}
				ct.Name = v.Name
				ct.UpdatedAt = now
				return nil
			}
		}

	case "item":
		for _, room := range w.Rooms {
			for _, ct := range room.Containers {
				for _, it := range ct.Items {
					if it.ID != entityID {
						continue
					}
					var v models.Item
					if err := json.Unmarshal(doc, &v); err != nil {
						return errors.Wrap(errors.ErrMalformedPayload, "bad item snapshot", err)
					}
					v.ID = it.ID
					v.ContainerID = it.ContainerID
					v.CreatedAt = it.CreatedAt
					v.UpdatedAt = now
					*it = v
					return nil
				}
			}
		}

	default:
		return errors.New(errors.ErrConflictInvalid, fmt.Sprintf("unknown entity kind %q", kind))
	}

	return errors.New(errors.ErrEntityNotFound, "entity not present in its warehouse tree")
}

// =====================================================
// Field-level merge
// =====================================================

// mergeDocuments builds the merge-choice snapshot from the two versions.
// Policy: differing text fields are kept side by side joined with " | ",
// other scalars take the remote value, list fields are unioned by the
// elements' "id". Fields present on only one side are kept.
func mergeDocuments(local, remote json.RawMessage) ([]byte, error) {
	var lv, rv map[string]interface{}
	if err := json.Unmarshal(local, &lv); err != nil {
		return nil, errors.Wrap(errors.ErrMalformedPayload, "bad local snapshot", err)
	}
	if err := json.Unmarshal(remote, &rv); err != nil {
		return nil, errors.Wrap(errors.ErrMalformedPayload, "bad remote snapshot", err)
	}

	out := make(map[string]interface{}, len(lv))
	for k, v := range lv {
		out[k] = v
	}

	for k, rval := range rv {
		lval, ok := out[k]
		if !ok {
			out[k] = rval
			continue
		}
		out[k] = mergeField(k, lval, rval)
	}

	return json.Marshal(out)
}

func mergeField(key string, local, remote interface{}) interface{} {
	// Identity and lineage fields never merge.
	switch key {
	case "id", "warehouse_id", "room_id", "container_id", "created_at":
		return local
	}

	ls, lok := local.(string)
	rs, rok := remote.(string)
	if lok && rok {
		if ls == rs || rs == "" {
			return ls
		}
		if ls == "" {
			return rs
		}
		return ls + " | " + rs
	}

	la, lok := local.([]interface{})
	ra, rok := remote.([]interface{})
	if lok && rok {
		return mergeLists(la, ra)
	}

	return remote
}

// mergeLists unions two lists. Elements carrying an "id" are deduplicated
// by it (remote version kept); anything else is deduplicated by equality.
func mergeLists(local, remote []interface{}) []interface{} {
	out := make([]interface{}, 0, len(local)+len(remote))
	index := make(map[string]int)

	keyOf := func(v interface{}) (string, bool) {
		m, ok := v.(map[string]interface{})
		if !ok {
			return "", false
		}
		id, ok := m["id"].(string)
		return id, ok
	}

	for _, v := range local {
		if id, ok := keyOf(v); ok {
			index[id] = len(out)
		}
		out = append(out, v)
	}

	for _, v := range remote {
		if id, ok := keyOf(v); ok {
			if i, seen := index[id]; seen {
				out[i] = v
				continue
			}
			index[id] = len(out)
			out = append(out, v)
			continue
		}
		duplicate := false
		for _, existing := range out {
			if reflect.DeepEqual(existing, v) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			out = append(out, v)
		}
	}

	return out
}
