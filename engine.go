// Package baseengine implements the Engine orchestrator from spec.md §4.1:
// the top-level entry point a host calls with already-fetched sync
// responses. The engine performs no network I/O of its own (spec.md §1);
// every external effect goes through the injected Store, EventCacheStore,
// and crypto.Engine capabilities.
package baseengine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/element-hq/matrix-client-base/accountdata"
	"github.com/element-hq/matrix-client-base/ambiguity"
	"github.com/element-hq/matrix-client-base/config"
	"github.com/element-hq/matrix-client-base/crypto"
	"github.com/element-hq/matrix-client-base/internal/cache"
	"github.com/element-hq/matrix-client-base/internal/logutil"
	"github.com/element-hq/matrix-client-base/internal/metrics"
	"github.com/element-hq/matrix-client-base/notify"
	"github.com/element-hq/matrix-client-base/pushctx"
	"github.com/element-hq/matrix-client-base/roomstate"
	"github.com/element-hq/matrix-client-base/store"
	"github.com/element-hq/matrix-client-base/timeline"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Engine is the sync orchestrator from spec.md §4.1.
type Engine struct {
	cfg             config.Config
	store           store.Store
	eventCacheStore store.EventCacheStore
	crypto          crypto.Engine
	log             *logrus.Logger

	activateMu  sync.Mutex
	activated   bool
	sessionMeta roomstate.SessionMeta

	syncLock  sync.Mutex
	syncToken string

	roomsMu sync.RWMutex
	rooms   map[string]*roomstate.Room

	ambCache     *ambiguity.Cache
	accountData  *accountdata.Processor
	pushBuilder  *pushctx.Builder
	rulesetCache *pushctx.RulesetCache

	roomInfoUpdates *notify.RoomInfoNotableUpdateChannel
	ignoredUserList *notify.IgnoredUserListObservable

	// latestEncrypted holds each room's stored latest_encrypted_events
	// candidates, newest-first, consulted on room_key_updates (spec.md §4.3).
	latestEncrypted map[string][]timeline.EncryptedEventRef
}

// New creates an Engine. cfg should already have Defaults() applied and
// Verify() checked by the caller; New does not re-validate it.
func New(cfg config.Config, st store.Store, eventCacheStore store.EventCacheStore, cryptoEngine crypto.Engine, log *logrus.Logger) *Engine {
	if cryptoEngine == nil {
		cryptoEngine = crypto.NoOp{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	metrics.Register()
	ristrettoCache, err := cache.NewCache(16 << 20)
	if err != nil {
		// NewCache only fails on an invalid ristretto.Config, which the
		// fixed arguments above never produce.
		panic(err)
	}
	plCache := cache.NewPartition[string, *event.PowerLevelsEventContent](ristrettoCache, "power_levels", 0, false, nil)
	return &Engine{
		cfg:             cfg,
		store:           st,
		eventCacheStore: eventCacheStore,
		crypto:          cryptoEngine,
		log:             log,
		rooms:           map[string]*roomstate.Room{},
		ambCache:        ambiguity.New(),
		accountData:     accountdata.NewProcessor(),
		pushBuilder:     pushctx.NewBuilder(plCache),
		rulesetCache:    pushctx.NewRulesetCache(cfg.PushRulesetCacheTTL, cfg.PushRulesetCacheTTL),
		roomInfoUpdates: notify.NewRoomInfoNotableUpdateChannel(cfg.RoomInfoNotableUpdateChannelSize),
		ignoredUserList: notify.NewIgnoredUserListObservable(nil),
		latestEncrypted: map[string][]timeline.EncryptedEventRef{},
	}
}

// RoomInfoUpdates returns the receive side of the room-info notable-update
// broadcast channel (spec.md §6).
func (e *Engine) RoomInfoUpdates() <-chan notify.RoomInfoNotableUpdate { return e.roomInfoUpdates.C() }

// IgnoredUserList returns the ignored-user-list observable (spec.md §6).
func (e *Engine) IgnoredUserList() *notify.IgnoredUserListObservable { return e.ignoredUserList }

// Activate implements spec.md §4.1's activate(): loads rooms, loads the
// prior sync token, and records session_meta. Fails with ErrAlreadyActivated
// on a second call.
func (e *Engine) Activate(ctx context.Context, sessionMeta roomstate.SessionMeta, settings store.RoomLoadSettings) error {
	e.activateMu.Lock()
	defer e.activateMu.Unlock()
	if e.activated {
		return ErrAlreadyActivated
	}

	rooms, err := e.store.LoadRooms(ctx, settings)
	if err != nil {
		return errors.Wrap(err, "load_rooms")
	}
	token, err := e.store.GetSyncToken(ctx)
	if err != nil {
		return errors.Wrap(err, "get_sync_token")
	}
	if err := e.store.SetSessionMeta(ctx, sessionMeta); err != nil {
		return errors.Wrap(err, "set_session_meta")
	}

	e.roomsMu.Lock()
	for roomID, room := range rooms {
		e.rooms[roomID] = room
	}
	e.roomsMu.Unlock()

	e.sessionMeta = sessionMeta
	e.syncToken = token
	e.activated = true
	return nil
}

func (e *Engine) getOrCreateRoom(roomID string) *roomstate.Room {
	e.roomsMu.Lock()
	defer e.roomsMu.Unlock()
	if room, ok := e.rooms[roomID]; ok {
		return room
	}
	room := roomstate.NewRoom(roomstate.NewRoomInfo(roomID), e.cfg.MemberUpdateChannelSize)
	e.rooms[roomID] = room
	return room
}

func (e *Engine) lookupRoom(roomID string) (*roomstate.Room, bool) {
	e.roomsMu.RLock()
	defer e.roomsMu.RUnlock()
	room, ok := e.rooms[roomID]
	return room, ok
}

// ReceiveSyncResponse implements spec.md §4.1's 12-step sync algorithm. It
// is NOT serialized by the engine itself; concurrent callers SHOULD
// serialize their own calls (spec.md §5).
func (e *Engine) ReceiveSyncResponse(ctx context.Context, resp SyncResponse, requested roomstate.RequestedRequiredStates) (*SyncResult, error) {
	if !e.activated {
		return nil, ErrNotActivated
	}

	// Step 1: replay guard.
	if resp.NextBatch != "" && resp.NextBatch == e.syncToken {
		metrics.SyncReplayShortCircuits.Inc()
		e.log.WithFields(logutil.Sync(resp.NextBatch)).Debug("baseengine: replay short-circuit")
		return &SyncResult{IsReplay: true}, nil
	}

	// Step 2.
	changes := store.NewStateChanges(resp.NextBatch)
	latestEventReasons := map[string]bool{}

	// Step 3: to-device preprocessing.
	if err := e.preprocessToDevice(ctx, resp, latestEventReasons); err != nil {
		return nil, errors.Wrap(err, "preprocess_to_device")
	}

	// Step 4.
	globalAccountData := map[string]json.RawMessage{}
	for _, raw := range resp.AccountData {
		globalAccountData[gjson.GetBytes(raw, "type").String()] = raw
	}
	ruleset := e.deriveRuleset(ctx, globalAccountData)

	result := &SyncResult{
		JoinedRooms:  map[string]JoinedRoomUpdate{},
		LeftRooms:    map[string]struct{}{},
		InvitedRooms: map[string]struct{}{},
		KnockedRooms: map[string]struct{}{},
	}

	// Step 5: joined rooms. resp.Rooms.Join is a map, so rooms are visited
	// in Go map iteration order; the order of the original response is not
	// preserved.
	for roomID, joined := range resp.Rooms.Join {
		reasons := e.processJoinedRoom(ctx, changes, roomID, joined, requested, ruleset)
		if latestEventReasons[roomID] {
			reasons = reasons.Set(roomstate.ReasonLatestEvent)
		}
		result.JoinedRooms[roomID] = JoinedRoomUpdate{RoomID: roomID, NotableReasons: reasons}
	}

	// Step 6: left rooms.
	for roomID, left := range resp.Rooms.Leave {
		e.processLeftRoom(ctx, changes, roomID, left)
		result.LeftRooms[roomID] = struct{}{}
	}

	// Step 7: invited rooms.
	for roomID, invited := range resp.Rooms.Invite {
		e.processInvitedRoom(changes, roomID, invited, ruleset)
		result.InvitedRooms[roomID] = struct{}{}
	}

	// Step 8: knocked rooms.
	for roomID, knocked := range resp.Rooms.Knock {
		e.processKnockedRoom(changes, roomID, knocked)
		result.KnockedRooms[roomID] = struct{}{}
	}

	// Step 9.
	e.accountData.Apply(changes, globalAccountData)

	// Step 10: presence.
	for _, raw := range resp.Presence {
		sender := id.UserID(gjson.GetBytes(raw, "sender").String())
		if sender != "" {
			changes.AddPresence(sender, raw)
		}
	}

	// Step 11: commit under sync_lock.
	if err := e.commit(ctx, changes); err != nil {
		return nil, err
	}

	metrics.SyncsProcessed.Inc()
	return result, nil
}

func (e *Engine) preprocessToDevice(ctx context.Context, resp SyncResponse, latestEventReasons map[string]bool) error {
	_, roomKeyUpdates, err := e.crypto.ReceiveSyncChanges(ctx, crypto.EncryptionSyncChanges{
		ToDeviceEvents:     resp.ToDevice.Events,
		DeviceListChanges:  resp.ToDevice.DeviceListsChanged,
		OneTimeKeysCounts:  resp.ToDevice.DeviceOneTimeKeysCounts,
		UnusedFallbackKeys: resp.ToDevice.DeviceUnusedFallbackKeyTypes,
		NextBatch:          resp.NextBatch,
	})
	if err != nil {
		return err
	}
	for _, update := range roomKeyUpdates {
		e.refreshLatestEvent(ctx, update.RoomID, latestEventReasons)
	}
	return nil
}

// refreshLatestEvent walks stored encrypted candidates newest-to-oldest
// (spec.md §4.3). On the first decryptable+suitable one it truncates the
// candidate list at that index and records the LATEST_EVENT reason for the
// room; the selected event itself is not stored on the room or RoomInfo.
func (e *Engine) refreshLatestEvent(ctx context.Context, roomID string, latestEventReasons map[string]bool) {
	room, ok := e.lookupRoom(roomID)
	if !ok {
		return
	}
	candidates := e.latestEncrypted[roomID]
	if len(candidates) == 0 {
		return
	}
	info := room.Info()
	_, truncateIndex, found := timeline.SelectLatestEvent(ctx, e.crypto, e.decryptionSettings(), roomID, candidates, e.sessionMeta.UserID, info.PowerLevels)
	if !found {
		return
	}
	e.latestEncrypted[roomID] = candidates[:truncateIndex]
	latestEventReasons[roomID] = true
}

func (e *Engine) decryptionSettings() crypto.DecryptionSettings {
	return crypto.DecryptionSettings{SenderDeviceTrustRequirement: e.cfg.DecryptionTrustRequirement}
}

// deriveRuleset picks the effective Ruleset: in-response push_rules ->
// cached ruleset for this user -> persisted push_rules ->
// server_default(user_id). ServerDefault always yields a ruleset, so an
// empty Ruleset is never returned.
func (e *Engine) deriveRuleset(ctx context.Context, globalAccountData map[string]json.RawMessage) pushctx.Ruleset {
	if raw, ok := globalAccountData[accountdata.TypePushRules]; ok {
		if rs, ok := pushctx.FromAccountData(raw); ok {
			e.rulesetCache.Set(string(e.sessionMeta.UserID), rs)
			return rs
		}
	}
	if cached, ok := e.rulesetCache.Get(string(e.sessionMeta.UserID)); ok {
		return cached
	}
	if raw, err := e.store.GetAccountDataEvent(ctx, "", accountdata.TypePushRules); err == nil && raw != nil {
		if rs, ok := pushctx.FromAccountData(raw); ok {
			e.rulesetCache.Set(string(e.sessionMeta.UserID), rs)
			return rs
		}
	}
	return pushctx.ServerDefault(string(e.sessionMeta.UserID))
}

func (e *Engine) timelineProcessor() *timeline.Processor {
	return timeline.NewProcessor(e.crypto, e.cfg.HandleVerificationEvents, e.decryptionSettings(), e.log)
}

// processJoinedRoom implements spec.md §4.1 step 5 (a-h).
func (e *Engine) processJoinedRoom(ctx context.Context, changes *store.StateChanges, roomID string, joined JoinedRoomSync, requested roomstate.RequestedRequiredStates, ruleset pushctx.Ruleset) roomstate.NotableUpdateReasons {
	room := e.getOrCreateRoom(roomID)
	wasEncrypted := room.Info().EncryptionState == roomstate.EncryptionEncrypted

	info := changes.RoomInfoOrClone(room)
	info.State = roomstate.Joined
	info.PrevBatchToken = joined.Timeline.PrevBatch
	info.SetStateSyncStatus(roomstate.StateFull)
	info.NotificationCounts = joined.UnreadNotifications

	sawEncryption := eventsContainType(joined.State, "m.room.encryption") || eventsContainType(joined.Timeline.Events, "m.room.encryption")
	info.HandleEncryptionState(requested, sawEncryption)

	if joined.Timeline.Limited {
		info.MarkMembersMissing()
	}

	proc := e.timelineProcessor()

	// 5b: state section.
	proc.ProcessRoomTimeline(ctx, changes, &info, e.ambCache, e.sessionMeta.UserID, joined.State, false, nil, pushctx.Empty())

	// 5c: ephemeral, retain only m.receipt.
	for _, raw := range joined.Ephemeral {
		if gjson.GetBytes(raw, "type").String() == "m.receipt" {
			changes.AddReceipt(roomID, raw)
		}
	}

	// 5e: timeline, with push evaluation.
	pc, ok := e.pushBuilder.Build(ctx, changes, room, e.store, e.sessionMeta.UserID)
	if !ok {
		pc = nil
	}
	proc.ProcessRoomTimeline(ctx, changes, &info, e.ambCache, e.sessionMeta.UserID, joined.Timeline.Events, false, pc, ruleset)

	// 5f.
	changes.AddRoomInfo(info)
	for _, raw := range joined.AccountData {
		e.accountData.HandleRoomAccountData(changes, room, gjson.GetBytes(raw, "type").String(), raw)
	}

	// 5g: two-phase update_tracked_users on encryption onset.
	nowEncrypted := changes.RoomInfos[roomID].EncryptionState == roomstate.EncryptionEncrypted
	if nowEncrypted && !wasEncrypted {
		e.bootstrapTrackedUsers(ctx, roomID)
		batchUserIDs := make([]string, 0, len(info.ActiveMembers))
		for userID := range info.ActiveMembers {
			batchUserIDs = append(batchUserIDs, string(userID))
		}
		if err := e.crypto.UpdateTrackedUsers(ctx, batchUserIDs); err != nil {
			e.log.WithFields(logutil.Room(roomID)).WithError(err).Warn("baseengine: update_tracked_users (batch phase) failed")
		}
	}

	// 5h.
	ambCacheDrain := e.ambCache.Drain(roomID)
	changes.AddAmbiguityChanges(roomID, ambCacheDrain)

	return roomstate.ReasonMembership
}

// bootstrapTrackedUsers implements the two-phase update_tracked_users call
// from spec.md §4.1 step 5g / §9's preserved open question: the first call
// covers all store-known active members, the second (by the caller, with
// this batch's user IDs) guarantees batch members are tracked even if
// encryption toggled mid-batch.
func (e *Engine) bootstrapTrackedUsers(ctx context.Context, roomID string) {
	users, err := e.store.GetUserIDs(ctx, roomID, store.MembershipActive)
	if err != nil {
		e.log.WithFields(logutil.Room(roomID)).WithError(err).Warn("baseengine: failed to load active members for tracked-user bootstrap")
		return
	}
	if err := e.crypto.UpdateTrackedUsers(ctx, users); err != nil {
		e.log.WithFields(logutil.Room(roomID)).WithError(err).Warn("baseengine: update_tracked_users (bootstrap phase) failed")
	}
}

func (e *Engine) processLeftRoom(ctx context.Context, changes *store.StateChanges, roomID string, left LeftRoomSync) {
	room := e.getOrCreateRoom(roomID)
	info := changes.RoomInfoOrClone(room)
	info.State = roomstate.Left
	info.PrevBatchToken = left.Timeline.PrevBatch
	info.SetStateSyncStatus(roomstate.StatePartial)
	if left.Timeline.Limited {
		info.MarkMembersMissing()
	}

	proc := e.timelineProcessor()
	proc.ProcessRoomTimeline(ctx, changes, &info, e.ambCache, e.sessionMeta.UserID, left.State, false, nil, pushctx.Empty())
	proc.ProcessRoomTimeline(ctx, changes, &info, e.ambCache, e.sessionMeta.UserID, left.Timeline.Events, false, nil, pushctx.Empty())

	changes.AddRoomInfo(info)
	for _, raw := range left.AccountData {
		e.accountData.HandleRoomAccountData(changes, room, gjson.GetBytes(raw, "type").String(), raw)
	}
	changes.AddAmbiguityChanges(roomID, e.ambCache.Drain(roomID))
}

// processInvitedRoom implements spec.md §4.1 step 7's folding: stripped
// state is folded into RoomInfo, tolerating per-event failures. No push
// actions are computed for invited rooms; ruleset is accepted but unused.
func (e *Engine) processInvitedRoom(changes *store.StateChanges, roomID string, invited InvitedRoomSync, ruleset pushctx.Ruleset) {
	room := e.getOrCreateRoom(roomID)
	info := changes.RoomInfoOrClone(room)
	info.State = roomstate.Invited
	info.SetStateSyncStatus(roomstate.StateFull)

	for _, raw := range invited.InviteState {
		eventType := gjson.GetBytes(raw, "type").String()
		stateKey, hasStateKey := stateKeyOf(raw)
		if eventType == "" || !hasStateKey {
			e.log.WithFields(logutil.Room(roomID)).Warn("baseengine: skipping malformed stripped-state event")
			continue
		}
		contentRaw := json.RawMessage(gjson.GetBytes(raw, "content").Raw)
		if contentRaw == nil {
			contentRaw = json.RawMessage("{}")
		}
		if eventType == "m.room.member" {
			e.foldStrippedMember(changes, &info, roomID, gjson.GetBytes(raw, "sender").String(), stateKey, contentRaw)
		} else {
			info.HandleStateEvent(eventType, stateKey, contentRaw)
		}
		changes.AddStrippedState(roomID, eventType, stateKey, contentRaw)
	}

	changes.AddRoomInfo(info)
	changes.AddAmbiguityChanges(roomID, e.ambCache.Drain(roomID))

	// Push evaluation is not performed for stripped-state invites: no push
	// context is built and no actions are attached to the stripped events.
	_ = ruleset
}

func (e *Engine) foldStrippedMember(changes *store.StateChanges, info *roomstate.RoomInfo, roomID, sender, stateKey string, raw json.RawMessage) {
	var member event.MemberEventContent
	if err := json.Unmarshal(raw, &member); err != nil {
		return
	}
	userID := id.UserID(stateKey)
	active := member.Membership == event.MembershipJoin || member.Membership == event.MembershipInvite
	if active {
		info.ActiveMembers[userID] = struct{}{}
	} else {
		delete(info.ActiveMembers, userID)
	}
	e.ambCache.Track(roomID, userID, member.Displayname, active)
	if stateKey == sender {
		changes.AddProfile(roomID, store.Profile{UserID: userID, Displayname: member.Displayname, AvatarURL: member.AvatarURL})
	}
	if member.Membership == event.MembershipInvite {
		changes.MarkProfileForDeletion(roomID, userID)
	}
}

func (e *Engine) processKnockedRoom(changes *store.StateChanges, roomID string, knocked KnockedRoomSync) {
	room := e.getOrCreateRoom(roomID)
	info := changes.RoomInfoOrClone(room)
	info.State = roomstate.Knocked
	info.SetStateSyncStatus(roomstate.StateFull)

	for _, raw := range knocked.KnockState {
		eventType := gjson.GetBytes(raw, "type").String()
		stateKey, hasStateKey := stateKeyOf(raw)
		if eventType == "" || !hasStateKey {
			e.log.WithFields(logutil.Room(roomID)).Warn("baseengine: skipping malformed stripped-state event")
			continue
		}
		contentRaw := json.RawMessage(gjson.GetBytes(raw, "content").Raw)
		if contentRaw == nil {
			contentRaw = json.RawMessage("{}")
		}
		info.HandleStateEvent(eventType, stateKey, contentRaw)
		changes.AddStrippedState(roomID, eventType, stateKey, contentRaw)
	}
	changes.AddRoomInfo(info)
}

// commit implements spec.md §4.1 step 11: atomic commit under sync_lock.
func (e *Engine) commit(ctx context.Context, changes *store.StateChanges) error {
	e.syncLock.Lock()
	defer e.syncLock.Unlock()

	priorIgnored, _ := e.store.GetAccountDataEvent(ctx, "", accountdata.TypeIgnoredUserList)
	priorIgnoredReadable := true
	if priorIgnored == nil {
		priorIgnoredReadable = false
	}

	if err := e.store.SaveChanges(ctx, changes); err != nil {
		return errors.Wrap(err, "save_changes")
	}
	if err := e.store.SetSyncToken(ctx, changes.NextBatch); err != nil {
		return errors.Wrap(err, "set_sync_token")
	}
	e.syncToken = changes.NextBatch

	e.applyChanges(changes)

	newIgnoredRaw, hasNewIgnored := changes.AccountData[accountdata.TypeIgnoredUserList]
	if hasNewIgnored {
		newSet := accountdata.IgnoredUsers(newIgnoredRaw)
		oldSet := accountdata.IgnoredUsers(priorIgnored)
		if !priorIgnoredReadable || !sameStringSet(oldSet, newSet) {
			e.ignoredUserList.Publish(newSet)
		}
	}
	return nil
}

// applyChanges pushes committed RoomInfos into in-memory Rooms and fans out
// notable updates and Partial member-update broadcasts (spec.md §4.1 step
// 11d/step 12).
func (e *Engine) applyChanges(changes *store.StateChanges) {
	for roomID, info := range changes.RoomInfos {
		room := e.getOrCreateRoom(roomID)
		old := room.Info()
		room.SetInfo(info)

		reasons := diffReasons(old, info)
		if reasons != roomstate.ReasonNone {
			e.roomInfoUpdates.Publish(notify.RoomInfoNotableUpdate{RoomID: roomID, Info: info, Reasons: reasons})
		}

		changed := map[id.UserID]struct{}{}
		for userID := range info.ActiveMembers {
			if _, existed := old.ActiveMembers[userID]; !existed {
				changed[userID] = struct{}{}
			}
		}
		if len(changed) > 0 {
			room.BroadcastMemberUpdate(roomstate.MemberUpdate{Changed: changed})
		}
	}
}

func diffReasons(old, updated roomstate.RoomInfo) roomstate.NotableUpdateReasons {
	reasons := roomstate.ReasonNone
	if old.State != updated.State || len(old.ActiveMembers) != len(updated.ActiveMembers) {
		reasons = reasons.Set(roomstate.ReasonMembership)
	}
	if old.IsMarkedUnread != updated.IsMarkedUnread {
		reasons = reasons.Set(roomstate.ReasonUnreadMarker)
	}
	if old.NotificationCounts != updated.NotificationCounts {
		reasons = reasons.Set(roomstate.ReasonNotification)
	}
	return reasons
}

func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; !ok {
			return false
		}
	}
	return true
}

func eventsContainType(events []json.RawMessage, eventType string) bool {
	for _, raw := range events {
		if gjson.GetBytes(raw, "type").String() == eventType {
			return true
		}
	}
	return false
}

func stateKeyOf(raw json.RawMessage) (string, bool) {
	result := gjson.GetBytes(raw, "state_key")
	if !result.Exists() {
		return "", false
	}
	return result.String(), true
}

// ReceiveAllMembersRequest mirrors the member-list filter fields spec.md
// §4.1 requires ReceiveAllMembers to reject when any are set.
type ReceiveAllMembersRequest struct {
	Membership    string
	NotMembership string
	At            string
}

func (r ReceiveAllMembersRequest) isPartial() bool {
	return r.Membership != "" || r.NotMembership != "" || r.At != ""
}

// ReceiveAllMembers implements spec.md §4.1's receive_all_members: it
// rejects any partial-member-list request outright, without touching the
// store (spec.md §8: "...without touching the store").
func (e *Engine) ReceiveAllMembers(ctx context.Context, roomID string, request ReceiveAllMembersRequest, members []json.RawMessage) error {
	if request.isPartial() {
		return ErrInvalidReceiveMembersParameters
	}

	room := e.getOrCreateRoom(roomID)
	changes := store.NewStateChanges(e.syncToken)
	info := changes.RoomInfoOrClone(room)

	for _, raw := range members {
		stateKey, ok := stateKeyOf(raw)
		if !ok {
			continue
		}
		var member event.MemberEventContent
		if err := json.Unmarshal(json.RawMessage(gjson.GetBytes(raw, "content").Raw), &member); err != nil {
			continue
		}
		sender := gjson.GetBytes(raw, "sender").String()
		userID := id.UserID(stateKey)
		active := member.Membership == event.MembershipJoin || member.Membership == event.MembershipInvite
		if active {
			info.ActiveMembers[userID] = struct{}{}
		}
		e.ambCache.Track(roomID, userID, member.Displayname, active)
		if stateKey == sender {
			changes.AddProfile(roomID, store.Profile{UserID: userID, Displayname: member.Displayname, AvatarURL: member.AvatarURL})
		}
	}
	changes.AddAmbiguityChanges(roomID, e.ambCache.Drain(roomID))
	changes.AddRoomInfo(info)

	e.syncLock.Lock()
	defer e.syncLock.Unlock()
	return errors.Wrap(e.store.SaveChanges(ctx, changes), "save_changes")
}

// setMembership implements the shared read-modify-write body of
// RoomJoined/RoomLeft/RoomKnocked (spec.md §4.1): ensure the room exists,
// mutate state under sync_lock if changed, persist, broadcast MEMBERSHIP.
func (e *Engine) setMembership(ctx context.Context, roomID string, state roomstate.State) error {
	room := e.getOrCreateRoom(roomID)

	e.syncLock.Lock()
	info := room.Info()
	if info.State == state {
		e.syncLock.Unlock()
		return nil
	}
	info.State = state
	room.SetInfo(info)
	err := e.store.SaveRooms(ctx, map[string]*roomstate.Room{roomID: room})
	e.syncLock.Unlock()
	if err != nil {
		return errors.Wrap(err, "save_rooms")
	}

	e.roomInfoUpdates.Publish(notify.RoomInfoNotableUpdate{RoomID: roomID, Info: info, Reasons: roomstate.ReasonMembership})
	return nil
}

// RoomJoined implements spec.md §4.1's room_joined.
func (e *Engine) RoomJoined(ctx context.Context, roomID string) error {
	return e.setMembership(ctx, roomID, roomstate.Joined)
}

// RoomLeft implements spec.md §4.1's room_left.
func (e *Engine) RoomLeft(ctx context.Context, roomID string) error {
	return e.setMembership(ctx, roomID, roomstate.Left)
}

// RoomKnocked implements spec.md §4.1's room_knocked.
func (e *Engine) RoomKnocked(ctx context.Context, roomID string) error {
	return e.setMembership(ctx, roomID, roomstate.Knocked)
}

// ForgetRoom implements spec.md §4.1's forget_room: removes roomID from
// both the state store and the event-cache store; both must succeed.
func (e *Engine) ForgetRoom(ctx context.Context, roomID string) error {
	unlock, err := e.eventCacheStore.Lock(ctx)
	if err != nil {
		return errors.Wrap(err, "event_cache_store.lock")
	}
	defer unlock()

	if err := e.store.RemoveRoom(ctx, roomID); err != nil {
		return errors.Wrap(err, "remove_room")
	}
	if err := e.eventCacheStore.RemoveRoom(ctx, roomID); err != nil {
		return errors.Wrap(err, "event_cache_store.remove_room")
	}

	e.roomsMu.Lock()
	delete(e.rooms, roomID)
	e.roomsMu.Unlock()
	delete(e.latestEncrypted, roomID)
	return nil
}

// ShareRoomKey implements spec.md §4.1's share_room_key: chooses a
// recipient filter from the room's history_visibility (JOIN only if
// Joined-visibility, else ACTIVE), then delegates to the crypto engine.
// Fails with crypto.ErrEncryptionNotEnabled if the room has no
// m.room.encryption state.
func (e *Engine) ShareRoomKey(ctx context.Context, roomID string) ([]crypto.ToDeviceRequest, error) {
	encRaw, err := e.store.GetStateEvent(ctx, roomID, "m.room.encryption", "")
	if err != nil {
		return nil, errors.Wrap(err, "get_state_event")
	}
	if encRaw == nil {
		return nil, crypto.ErrEncryptionNotEnabled
	}

	filter := store.MembershipActive
	joinOnly := false
	if hvRaw, err := e.store.GetStateEvent(ctx, roomID, "m.room.history_visibility", ""); err == nil && hvRaw != nil {
		if gjson.GetBytes(hvRaw, "content.history_visibility").String() == "joined" {
			filter = store.MembershipJoin
			joinOnly = true
		}
	}

	users, err := e.store.GetUserIDs(ctx, roomID, filter)
	if err != nil {
		return nil, errors.Wrap(err, "get_user_ids")
	}

	settings := crypto.EncryptionSettings{
		RecipientStrategy:         e.cfg.RoomKeyRecipientStrategy,
		HistoryVisibilityJoinOnly: joinOnly,
	}
	return e.crypto.ShareRoomKey(ctx, roomID, users, settings)
}
