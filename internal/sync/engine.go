// Package sync implements the peer-to-peer inventory sync protocol: request
// handling, snapshot merging, conflict tracking and the debounced change
// broadcast.
package sync

import (
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/stocknest/backend/internal/errors"
	"github.com/stocknest/backend/internal/logging"
	"github.com/stocknest/backend/internal/models"
	"github.com/stocknest/backend/internal/store"
	"github.com/stocknest/backend/internal/sync/conflict"
	"github.com/stocknest/backend/internal/sync/queue"
	"github.com/stocknest/backend/internal/sync/scheduler"
	"github.com/stocknest/backend/internal/uuid"
)

// PeerSender is the transport surface the engine sends through. Send and
// Broadcast report delivery as booleans/counts; an unreachable peer is a
// normal condition, not an error.
type PeerSender interface {
	Send(deviceID models.UUID, data []byte) bool
	Broadcast(data []byte) int
}

// Config holds the engine's identity and tuning.
type Config struct {
	DeviceID models.UUID

	// ToleranceWindow is the timestamp slack, in seconds, inside which two
	// versions are compared by content instead of by clock. Zero demands
	// exact equality.
	ToleranceWindow int64

	// DebounceWindow is the quiet period collapsing rapid local edits into
	// one change broadcast.
	DebounceWindow time.Duration
}

// Engine drives sync exchanges with peers. One Engine serves all peers; the
// merge section runs under a single mutex so overlapping responses cannot
// interleave read-compare-write cycles.
type Engine struct {
	cfg      Config
	repo     store.SyncRepository
	peers    PeerSender
	resolver *conflict.Resolver
	events   *Emitter
	clock    clockwork.Clock
	debounce *scheduler.Debouncer
	outbox   *queue.Outbox

	mu               sync.Mutex
	inProgress       map[models.UUID]bool
	outstanding      map[models.UUID]models.UUID
	connected        map[models.UUID]bool
	pendingConflicts map[models.UUID]*models.ConflictItem
	lastSync         map[models.UUID]int64
}

// NewEngine creates an Engine.
func NewEngine(cfg Config, repo store.SyncRepository, peers PeerSender, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = time.Second
	}
	return &Engine{
		cfg:              cfg,
		repo:             repo,
		peers:            peers,
		resolver:         conflict.NewResolver(repo, clock),
		events:           NewEmitter(),
		clock:            clock,
		debounce:         scheduler.NewDebouncer(cfg.DebounceWindow, clock),
		outbox:           queue.NewOutbox(0),
		inProgress:       make(map[models.UUID]bool),
		outstanding:      make(map[models.UUID]models.UUID),
		connected:        make(map[models.UUID]bool),
		pendingConflicts: make(map[models.UUID]*models.ConflictItem),
		lastSync:         make(map[models.UUID]int64),
	}
}

// Events returns the engine's event emitter.
func (e *Engine) Events() *Emitter {
	return e.events
}

// Stop cancels pending debounced broadcasts.
func (e *Engine) Stop() {
	e.debounce.Stop()
}

// =====================================================
// Outgoing requests
// =====================================================

// RequestFullSync asks deviceID for its complete visible state. A second
// call while an exchange with the same device is in flight is dropped.
func (e *Engine) RequestFullSync(deviceID models.UUID) error {
	requestID := models.UUID(uuid.New())
	if !e.beginSync(deviceID, requestID) {
		logging.Debug("sync already in progress, dropping request", map[string]interface{}{
			"device_id": deviceID.String(),
		})
		return errors.New(errors.ErrSyncInProgress, "sync with device already in progress")
	}

	err := e.sendRequest(deviceID, &models.SyncRequest{
		Kind:      models.RequestKindFull,
		RequestID: requestID,
		DeviceID:  e.cfg.DeviceID,
		Timestamp: e.clock.Now().Unix(),
	})
	if err != nil {
		e.endSync(deviceID)
		return err
	}
	return nil
}

// RequestIncrementalSync asks deviceID for entities changed since the last
// completed exchange with it. Guarded like RequestFullSync.
func (e *Engine) RequestIncrementalSync(deviceID models.UUID) error {
	requestID := models.UUID(uuid.New())
	if !e.beginSync(deviceID, requestID) {
		logging.Debug("sync already in progress, dropping request", map[string]interface{}{
			"device_id": deviceID.String(),
		})
		return errors.New(errors.ErrSyncInProgress, "sync with device already in progress")
	}

	e.mu.Lock()
	since := e.lastSync[deviceID]
	e.mu.Unlock()

	err := e.sendRequest(deviceID, &models.SyncRequest{
		Kind:         models.RequestKindIncremental,
		RequestID:    requestID,
		DeviceID:     e.cfg.DeviceID,
		LastSyncTime: since,
		Timestamp:    e.clock.Now().Unix(),
	})
	if err != nil {
		e.endSync(deviceID)
		return err
	}
	return nil
}

// RequestEntitySync asks deviceID for the warehouse tree holding one
// entity. Cheap and unguarded.
func (e *Engine) RequestEntitySync(deviceID, entityID models.UUID) error {
	return e.sendRequest(deviceID, &models.SyncRequest{
		Kind:      models.RequestKindEntity,
		RequestID: models.UUID(uuid.New()),
		DeviceID:  e.cfg.DeviceID,
		EntityID:  entityID,
		Timestamp: e.clock.Now().Unix(),
	})
}

// =====================================================
// Local changes
// =====================================================

// NotifyLocalChange schedules a change broadcast for an edited entity.
// Rapid edits to the same entity collapse into one notice.
func (e *Engine) NotifyLocalChange(entityID models.UUID, entityKind string) {
	key := entityKind + ":" + string(entityID)
	e.debounce.Schedule(key, func() {
		e.broadcastChange(entityID, entityKind)
	})
}

// broadcastChange sends the notice to every connected peer and queues it
// for known peers currently without a channel.
func (e *Engine) broadcastChange(entityID models.UUID, entityKind string) {
	notice := models.ChangeNotice{
		DeviceID:   e.cfg.DeviceID,
		EntityID:   entityID,
		EntityKind: entityKind,
		Timestamp:  e.clock.Now().Unix(),
	}
	msg := &models.PeerMessage{Type: models.PeerMessageChange, Change: &notice}
	data, err := msg.Encode()
	if err != nil {
		logging.Error("failed to encode change notice", err, nil)
		return
	}

	delivered := e.peers.Broadcast(data)

	devices, err := e.repo.ListDevices()
	if err != nil {
		logging.Error("failed to list devices for outbox", err, nil)
		devices = nil
	}

	e.mu.Lock()
	for _, dev := range devices {
		if dev.ID == e.cfg.DeviceID || e.connected[dev.ID] {
			continue
		}
		e.outbox.Add(dev.ID, notice)
	}
	e.mu.Unlock()

	logging.Debug("change notice broadcast", map[string]interface{}{
		"entity_id": entityID.String(), "entity_kind": entityKind, "delivered": delivered,
	})
}

// =====================================================
// Conflicts
// =====================================================

// PendingConflicts returns the conflicts awaiting a user decision.
func (e *Engine) PendingConflicts() []*models.ConflictItem {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*models.ConflictItem, 0, len(e.pendingConflicts))
	for _, c := range e.pendingConflicts {
		out = append(out, c)
	}
	return out
}

// ResolveConflict applies the user's choice to a pending conflict and tells
// the other device so both sides converge. An unreachable peer is logged,
// not fatal; it converges on its next sync.
func (e *Engine) ResolveConflict(conflictID models.UUID, choice models.ResolutionChoice) error {
	e.mu.Lock()
	c, ok := e.pendingConflicts[conflictID]
	e.mu.Unlock()
	if !ok {
		return errors.New(errors.ErrConflictNotFound, fmt.Sprintf("no pending conflict %s", conflictID))
	}

	w, err := e.resolver.Resolve(c, choice)
	if err != nil {
		return err
	}

	e.forgetConflictsFor(c.EntityID)

	err = e.sendRequest(c.RemoteDeviceID, &models.SyncRequest{
		Kind:       models.RequestKindConflictResolution,
		RequestID:  models.UUID(uuid.New()),
		DeviceID:   e.cfg.DeviceID,
		ConflictID: conflictID,
		Choice:     choice,
		Timestamp:  e.clock.Now().Unix(),
	})
	if err != nil {
		logging.Warn("could not notify peer of resolution", map[string]interface{}{
			"conflict_id": conflictID.String(), "device_id": c.RemoteDeviceID.String(),
		})
	}

	e.events.Emit(EventConflictResolved, ResolvedEvent{ConflictID: conflictID, Choice: choice})
	e.NotifyLocalChange(w.ID, "warehouse")
	return nil
}

// =====================================================
// Peer lifecycle (wired to transport callbacks)
// =====================================================

// HandlePeerConnected flushes owed change notices and starts a full sync
// with the peer.
func (e *Engine) HandlePeerConnected(deviceID models.UUID) {
	e.mu.Lock()
	e.connected[deviceID] = true
	owed := e.outbox.Drain(deviceID)
	e.mu.Unlock()

	e.events.Emit(EventPeerConnected, PeerEvent{DeviceID: deviceID})

	for i := range owed {
		notice := owed[i]
		msg := &models.PeerMessage{Type: models.PeerMessageChange, Change: &notice}
		if data, err := msg.Encode(); err == nil {
			e.peers.Send(deviceID, data)
		}
	}

	if err := e.RequestFullSync(deviceID); err != nil {
		logging.Debug("initial sync not started", map[string]interface{}{
			"device_id": deviceID.String(), "error": err.Error(),
		})
	}
}

// HandlePeerDisconnected clears per-peer exchange state.
func (e *Engine) HandlePeerDisconnected(deviceID models.UUID) {
	e.mu.Lock()
	delete(e.connected, deviceID)
	delete(e.inProgress, deviceID)
	delete(e.outstanding, deviceID)
	e.mu.Unlock()

	e.events.Emit(EventPeerDisconnected, PeerEvent{DeviceID: deviceID})
}

// =====================================================
// Incoming messages (wired to transport OnMessage)
// =====================================================

// HandlePeerMessage decodes and routes one message from a peer. A message
// that cannot be decoded is answered with a structured error; the channel
// stays up.
func (e *Engine) HandlePeerMessage(deviceID models.UUID, data []byte) {
	msg, err := models.DecodePeerMessage(data)
	if err != nil {
		logging.Warn("undecodable peer message", map[string]interface{}{
			"device_id": deviceID.String(), "error": err.Error(),
		})
		e.sendError(deviceID, "", errors.ErrMalformedPayload, "undecodable message")
		return
	}

	switch msg.Type {
	case models.PeerMessageRequest:
		if msg.Request == nil {
			e.sendError(deviceID, "", errors.ErrMalformedPayload, "request message without request body")
			return
		}
		e.handleRequest(deviceID, msg.Request)

	case models.PeerMessageResponse:
		if msg.Response == nil {
			e.sendError(deviceID, "", errors.ErrMalformedPayload, "response message without response body")
			return
		}
		e.handleResponse(deviceID, msg.Response)

	case models.PeerMessageChange:
		if msg.Change == nil {
			e.sendError(deviceID, "", errors.ErrMalformedPayload, "change message without notice body")
			return
		}
		e.handleChange(deviceID, msg.Change)

	default:
		logging.Warn("unknown peer message type", map[string]interface{}{
			"device_id": deviceID.String(), "type": msg.Type,
		})
	}
}

func (e *Engine) handleRequest(from models.UUID, req *models.SyncRequest) {
	switch req.Kind {
	case models.RequestKindFull:
		ws, err := e.repo.GetWarehouses()
		if err != nil {
			logging.Error("failed to read warehouses for sync", err, nil)
			e.sendError(from, req.RequestID, errors.ErrStore, "could not read local state")
			return
		}
		e.sendData(from, req.RequestID, e.visibleTo(ws, from))

	case models.RequestKindIncremental:
		ws, err := e.repo.ModifiedSince(req.LastSyncTime)
		if err != nil {
			logging.Error("failed to read modified warehouses", err, nil)
			e.sendError(from, req.RequestID, errors.ErrStore, "could not read local state")
			return
		}
		e.sendData(from, req.RequestID, e.visibleTo(ws, from))

	case models.RequestKindEntity:
		w, _, err := e.repo.FindWarehouseContaining(req.EntityID)
		if err != nil {
			e.sendError(from, req.RequestID, errors.ErrEntityNotFound, "entity not found")
			return
		}
		if !e.canSee(w, from) {
			e.sendError(from, req.RequestID, errors.ErrAccessDenied, "entity not shared with this device")
			return
		}
		e.sendData(from, req.RequestID, []*models.Warehouse{w})

	case models.RequestKindConflictResolution:
		e.applyRemoteResolution(from, req)

	default:
		e.sendError(from, req.RequestID, errors.ErrMalformedPayload,
			fmt.Sprintf("unknown request kind %q", req.Kind))
	}
}

func (e *Engine) handleResponse(from models.UUID, resp *models.SyncResponse) {
	// Only the response answering the guarded full/incremental request in
	// flight may clear the guard or advance the lastSync watermark. Entity
	// pulls are unguarded, so their data responses (and the acks and
	// conflicts flowing back for data we served) arrive with foreign
	// request ids and must leave the exchange bookkeeping alone.
	guarded := e.matchesOutstanding(from, resp.RequestID)

	switch resp.Kind {
	case models.ResponseKindData:
		conflicts := e.mergeAll(from, resp.Warehouses)
		if guarded {
			e.endSync(from)
		}

		if len(conflicts) == 0 {
			if guarded {
				e.setLastSync(from)
			}
			e.sendAck(from, resp.RequestID)
			e.events.Emit(EventSyncDataReceived, DataEvent{
				DeviceID: from, Warehouses: len(resp.Warehouses),
			})
			return
		}

		e.rememberConflicts(conflicts)
		e.sendConflicts(from, resp.RequestID, conflicts)
		e.events.Emit(EventSyncConflictsDetected, ConflictsEvent{DeviceID: from, Conflicts: conflicts})

	case models.ResponseKindAck:
		if guarded {
			e.setLastSync(from)
			e.endSync(from)
		}

	case models.ResponseKindConflict:
		// The peer detected these while merging our data. Keep its records
		// verbatim so a later resolution lands on identical snapshots on
		// both sides; only the device attribution flips to the sender.
		for _, c := range resp.Conflicts {
			c.RemoteDeviceID = from
		}
		e.rememberConflicts(resp.Conflicts)
		if guarded {
			e.endSync(from)
		}
		e.events.Emit(EventSyncConflictsReceived, ConflictsEvent{DeviceID: from, Conflicts: resp.Conflicts})

	case models.ResponseKindError:
		if guarded {
			e.endSync(from)
		}
		logging.Warn("peer reported sync error", map[string]interface{}{
			"device_id": from.String(),
			"code":      resp.ErrorCode,
			"message":   resp.ErrorMessage,
		})

	default:
		logging.Warn("unknown response kind", map[string]interface{}{
			"device_id": from.String(), "kind": string(resp.Kind),
		})
	}
}

// handleChange pulls the changed entity rather than trusting the notice.
func (e *Engine) handleChange(from models.UUID, change *models.ChangeNotice) {
	if change.EntityID == "" {
		return
	}
	if err := e.RequestEntitySync(from, change.EntityID); err != nil {
		logging.Debug("could not pull changed entity", map[string]interface{}{
			"device_id": from.String(), "entity_id": change.EntityID.String(),
		})
	}
}

// applyRemoteResolution replays a resolution decided on the other device.
// Both sides hold the same conflict snapshots, so the same choice produces
// the same stored state.
func (e *Engine) applyRemoteResolution(from models.UUID, req *models.SyncRequest) {
	e.mu.Lock()
	c, ok := e.pendingConflicts[req.ConflictID]
	e.mu.Unlock()
	if !ok {
		e.sendError(from, req.RequestID, errors.ErrConflictNotFound, "conflict not pending here")
		return
	}

	if _, err := e.resolver.Resolve(c, req.Choice); err != nil {
		e.sendError(from, req.RequestID, errors.CodeOf(err), err.Error())
		return
	}

	e.forgetConflictsFor(c.EntityID)

	e.sendAck(from, req.RequestID)
	e.events.Emit(EventConflictResolved, ResolvedEvent{ConflictID: req.ConflictID, Choice: req.Choice})
}

// =====================================================
// Merge
// =====================================================

// mergeAll merges a batch of remote warehouse trees into the store and
// returns the conflicts produced. Runs under the engine mutex.
func (e *Engine) mergeAll(from models.UUID, warehouses []*models.Warehouse) []*models.ConflictItem {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := newMerger(e.cfg.ToleranceWindow, e.clock.Now().Unix(), from)

	for _, remote := range warehouses {
		if remote == nil || remote.ID == "" {
			continue
		}

		local, err := e.repo.GetWarehouse(remote.ID)
		if err != nil {
			if !stderrors.Is(err, store.ErrNotFound) {
				logging.Error("failed to load warehouse for merge", err, map[string]interface{}{
					"warehouse_id": remote.ID.String(),
				})
				continue
			}
			local = nil
		}

		merged := m.mergeWarehouse(local, remote)
		if err := e.repo.SaveWarehouse(merged); err != nil {
			logging.Error("failed to persist merged warehouse", err, map[string]interface{}{
				"warehouse_id": remote.ID.String(),
			})
		}
	}

	return m.conflicts
}

// =====================================================
// Helpers
// =====================================================

// visibleTo filters warehouses down to what the peer may see.
func (e *Engine) visibleTo(ws []*models.Warehouse, peer models.UUID) []*models.Warehouse {
	out := make([]*models.Warehouse, 0, len(ws))
	for _, w := range ws {
		if e.canSee(w, peer) {
			out = append(out, w)
		}
	}
	return out
}

// canSee reports whether the peer may see the warehouse: public, or
// explicitly granted.
func (e *Engine) canSee(w *models.Warehouse, peer models.UUID) bool {
	if w.IsPublic {
		return true
	}
	ok, err := e.repo.HasGrant(w.ID, peer)
	if err != nil {
		logging.Error("grant lookup failed", err, map[string]interface{}{
			"warehouse_id": w.ID.String(), "device_id": peer.String(),
		})
		return false
	}
	return ok
}

func (e *Engine) beginSync(deviceID, requestID models.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inProgress[deviceID] {
		return false
	}
	e.inProgress[deviceID] = true
	e.outstanding[deviceID] = requestID
	return true
}

func (e *Engine) endSync(deviceID models.UUID) {
	e.mu.Lock()
	delete(e.inProgress, deviceID)
	delete(e.outstanding, deviceID)
	e.mu.Unlock()
}

// matchesOutstanding reports whether the response id answers the guarded
// exchange currently in flight with the device.
func (e *Engine) matchesOutstanding(deviceID, requestID models.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return requestID != "" && e.outstanding[deviceID] == requestID
}

func (e *Engine) setLastSync(deviceID models.UUID) {
	e.mu.Lock()
	e.lastSync[deviceID] = e.clock.Now().Unix()
	e.mu.Unlock()
}

// rememberConflicts records conflicts awaiting a decision. At most one
// conflict is held per entity: when both sides of a symmetric exchange mint
// a record for the same dispute, the copy with the smaller id survives, so
// the two devices settle on the same record and a resolution replay finds
// it on both.
func (e *Engine) rememberConflicts(conflicts []*models.ConflictItem) {
	e.mu.Lock()
	for _, c := range conflicts {
		if existing := e.pendingForEntityLocked(c.EntityID); existing != nil {
			if existing.ID <= c.ID {
				continue
			}
			delete(e.pendingConflicts, existing.ID)
		}
		e.pendingConflicts[c.ID] = c
	}
	e.mu.Unlock()
}

func (e *Engine) pendingForEntityLocked(entityID models.UUID) *models.ConflictItem {
	for _, c := range e.pendingConflicts {
		if c.EntityID == entityID {
			return c
		}
	}
	return nil
}

// forgetConflictsFor drops every pending conflict concerning the entity.
// Once any resolution for an entity has been applied, the remaining records
// hold pre-resolution snapshots; replaying one would undo the converged
// state.
func (e *Engine) forgetConflictsFor(entityID models.UUID) {
	e.mu.Lock()
	for id, c := range e.pendingConflicts {
		if c.EntityID == entityID {
			delete(e.pendingConflicts, id)
		}
	}
	e.mu.Unlock()
}

func (e *Engine) sendRequest(to models.UUID, req *models.SyncRequest) error {
	msg := &models.PeerMessage{Type: models.PeerMessageRequest, Request: req}
	data, err := msg.Encode()
	if err != nil {
		return errors.Wrap(errors.ErrMalformedPayload, "failed to encode request", err)
	}
	if !e.peers.Send(to, data) {
		return errors.New(errors.ErrNoRoute, fmt.Sprintf("no open channel to %s", to))
	}
	return nil
}

func (e *Engine) sendResponse(to models.UUID, resp *models.SyncResponse) {
	resp.DeviceID = e.cfg.DeviceID
	resp.Timestamp = e.clock.Now().Unix()

	msg := &models.PeerMessage{Type: models.PeerMessageResponse, Response: resp}
	data, err := msg.Encode()
	if err != nil {
		logging.Error("failed to encode response", err, nil)
		return
	}
	if !e.peers.Send(to, data) {
		logging.Debug("response undeliverable", map[string]interface{}{"device_id": to.String()})
	}
}

func (e *Engine) sendData(to, requestID models.UUID, ws []*models.Warehouse) {
	e.sendResponse(to, &models.SyncResponse{
		Kind:       models.ResponseKindData,
		RequestID:  requestID,
		Warehouses: ws,
	})
}

func (e *Engine) sendAck(to, requestID models.UUID) {
	e.sendResponse(to, &models.SyncResponse{
		Kind:      models.ResponseKindAck,
		RequestID: requestID,
	})
}

func (e *Engine) sendConflicts(to, requestID models.UUID, conflicts []*models.ConflictItem) {
	e.sendResponse(to, &models.SyncResponse{
		Kind:      models.ResponseKindConflict,
		RequestID: requestID,
		Conflicts: conflicts,
	})
}

func (e *Engine) sendError(to, requestID models.UUID, code errors.ErrorCode, message string) {
	e.sendResponse(to, &models.SyncResponse{
		Kind:         models.ResponseKindError,
		RequestID:    requestID,
		ErrorCode:    string(code),
		ErrorMessage: message,
	})
}
