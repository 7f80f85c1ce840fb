// Package mam reconciles the local message archive against server-side
// archives (XEP-0313), paging each archive scope from its stored
// checkpoint to the present.
package mam

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mfelten/histd/internal/archive"
	"github.com/mfelten/histd/internal/dedup"
	"github.com/mfelten/histd/internal/notify"
	"github.com/mfelten/histd/internal/xmpp"
	"go.uber.org/zap"
)

// ErrSyncInFlight is returned when a sync is requested for a scope that
// already has a query in flight. Query ids are not composable across
// overlapping requests to the same scope, so the second request is
// rejected instead of queued.
var ErrSyncInFlight = errors.New("archive sync already in flight")

type syncMode int

const (
	modeCatchUp syncMode = iota
	modeInterval
)

// scope tracks one archive's sync progression. The query id doubles as
// the in-flight guard: it is set before the request leaves and cleared
// only in the terminal callback.
type scope struct {
	state     State
	queryID   string
	groupchat bool
	mode      syncMode

	// bootstrapStart is set on the first-ever personal archive sync and
	// recorded as the oldest-synced horizon once the backfill completes.
	bootstrapStart time.Time

	// interval bounds for modeInterval queries.
	intervalStart time.Time
	intervalEnd   time.Time
}

func (s *scope) inFlight() bool {
	return s.state == Querying || s.state == Paging
}

// Controller drives archive synchronization for the personal archive and
// each joined room. All collaborators are injected; the controller holds
// no global state.
type Controller struct {
	db       *archive.DB
	resolver *archive.Resolver
	dedup    *dedup.Engine
	querier  xmpp.Querier
	sink     notify.Sink
	policy   Policy
	logger   *zap.Logger

	account   string
	accountID int64

	now func() time.Time

	mu          sync.Mutex
	scopes      map[string]*scope
	versions    map[string]int
	membersOnly map[string]bool
}

// NewController creates a sync controller for the given account address.
func NewController(
	db *archive.DB,
	resolver *archive.Resolver,
	engine *dedup.Engine,
	querier xmpp.Querier,
	sink notify.Sink,
	policy Policy,
	account string,
	logger *zap.Logger,
) (*Controller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = notify.Nop{}
	}
	accountID, err := resolver.ResolveAddress(account, archive.AddressNormal)
	if err != nil {
		return nil, fmt.Errorf("resolve account %q: %w", account, err)
	}
	return &Controller{
		db:          db,
		resolver:    resolver,
		dedup:       engine,
		querier:     querier,
		sink:        sink,
		policy:      policy,
		logger:      logger,
		account:     account,
		accountID:   accountID,
		now:         time.Now,
		scopes:      make(map[string]*scope),
		versions:    make(map[string]int),
		membersOnly: make(map[string]bool),
	}, nil
}

// SetArchiveVersion records the MAM protocol version discovered for an
// archive. Unregistered archives are assumed to speak version 2.
func (c *Controller) SetArchiveVersion(archiveJID string, version int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions[archiveJID] = version
}

// SetRoomMembersOnly records whether a room is members-only, which
// selects the default sync window for it.
func (c *Controller) SetRoomMembersOnly(roomJID string, membersOnly bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.membersOnly[roomJID] = membersOnly
}

func (c *Controller) version(archiveJID string) int {
	if v, ok := c.versions[archiveJID]; ok {
		return v
	}
	return xmpp.MAMv2
}

// ScopeState returns the sync state of an archive scope.
func (c *Controller) ScopeState(archiveJID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.scopes[archiveJID]; ok {
		return s.state
	}
	return Idle
}

// IsCaughtUp reports whether the scope finished its catch-up sync.
func (c *Controller) IsCaughtUp(archiveJID string) bool {
	return c.ScopeState(archiveJID) == CaughtUp
}

// Reset clears all in-flight and catch-up tracking. Called on disconnect:
// pending query ids are meaningless on a new stream.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scopes = make(map[string]*scope)
}

// RequestAccountSync starts catch-up for the personal archive, triggered
// on sign-in. With a stored cursor the query resumes strictly after it;
// the first-ever sync bootstraps from a short recent window instead.
func (c *Controller) RequestAccountSync() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.beginScope(c.account, false)
	if err != nil {
		return err
	}

	cp, err := c.db.GetCheckpoint(c.accountID)
	if err != nil {
		return err
	}

	q := xmpp.Query{ArchiveJID: "", Max: c.policy.pageSize()}
	if cp != nil && cp.Cursor != "" {
		c.logger.Info("account archive query after cursor",
			zap.String("cursor", cp.Cursor))
		q.After = cp.Cursor
	} else {
		start := c.now().UTC().AddDate(0, 0, -PersonalBootstrapDays)
		c.logger.Info("first account archive sync",
			zap.Time("start", start))
		q.Start = start
		s.bootstrapStart = start
	}

	return c.sendQuery(c.account, s, q)
}

// RequestRoomSync starts catch-up for a room archive, triggered on join.
// The query start is re-bounded to the room's sync window when too much
// time passed since the last received message; a first join requests only
// a short bootstrap window.
func (c *Controller) RequestRoomSync(roomJID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.beginScope(roomJID, true)
	if err != nil {
		return err
	}

	roomID, err := c.resolver.ResolveAddress(roomJID, archive.AddressRoom)
	if err != nil {
		return err
	}
	cp, err := c.db.GetCheckpoint(roomID)
	if err != nil {
		return err
	}
	window, err := c.resolveSyncWindow(roomJID, roomID, cp)
	if err != nil {
		return err
	}
	c.logger.Info("room sync window",
		zap.String("room", roomJID), zap.Int("days", window))

	q := xmpp.Query{ArchiveJID: roomJID, Max: c.policy.pageSize()}
	switch {
	case cp == nil || cp.Cursor == "":
		q.Start = c.now().UTC().AddDate(0, 0, -RoomBootstrapDays)
		c.logger.Info("first room join, bootstrapping",
			zap.String("room", roomJID), zap.Time("start", q.Start))

	case window == archive.NoThreshold:
		q.After = cp.Cursor

	case c.staleSince(cp.LastReceived, window):
		q.Start = c.now().UTC().AddDate(0, 0, -window)
		c.logger.Info("sync window exceeded, re-bounding query",
			zap.String("room", roomJID), zap.Time("start", q.Start))

	default:
		q.After = cp.Cursor
	}

	return c.sendQuery(roomJID, s, q)
}

// RequestInterval starts a user-initiated history request against the
// personal archive, bounded by start and end. Returns the query id the
// IntervalFinished notification will carry.
func (c *Controller) RequestInterval(start, end time.Time) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.beginScope(c.account, false)
	if err != nil {
		return "", err
	}
	s.mode = modeInterval
	s.intervalStart = start
	s.intervalEnd = end

	q := xmpp.Query{Start: start, End: end, Max: IntervalPageSize}
	if err := c.sendQuery(c.account, s, q); err != nil {
		return "", err
	}
	return s.queryID, nil
}

// beginScope enforces the single in-flight query per scope and moves the
// scope into Querying. Callers hold the lock.
func (c *Controller) beginScope(archiveJID string, groupchat bool) (*scope, error) {
	s, ok := c.scopes[archiveJID]
	if !ok {
		s = &scope{state: Idle, groupchat: groupchat}
		c.scopes[archiveJID] = s
	}
	if s.inFlight() {
		c.logger.Warn("sync request rejected, query in flight",
			zap.String("archive", archiveJID))
		return nil, fmt.Errorf("%w: %s", ErrSyncInFlight, archiveJID)
	}
	if err := s.transition(Querying); err != nil {
		return nil, err
	}
	s.mode = modeCatchUp
	s.groupchat = groupchat
	s.bootstrapStart = time.Time{}
	return s, nil
}

// sendQuery stamps a fresh query id and hands the query to the transport.
// The guard is set before the request leaves; a send failure is terminal.
func (c *Controller) sendQuery(archiveJID string, s *scope, q xmpp.Query) error {
	s.queryID = uuid.NewString()
	q.QueryID = s.queryID

	if err := c.querier.SendQuery(q); err != nil {
		c.failLocked(archiveJID, s, fmt.Errorf("send archive query: %w", err))
		return err
	}
	return nil
}

// HandleQueryResult processes the terminal response of a query page. This
// is the only place scope state advances past Querying.
func (c *Controller) HandleQueryResult(res xmpp.QueryResult) {
	archiveJID := res.ArchiveJID
	if archiveJID == "" {
		// No sender means a response from our own archive.
		archiveJID = c.account
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.scopes[archiveJID]
	if !ok || s.queryID == "" || s.queryID != res.QueryID {
		c.logger.Warn("query result with unknown query id",
			zap.String("archive", archiveJID),
			zap.String("query_id", res.QueryID))
		return
	}

	if res.Err != nil {
		c.failLocked(archiveJID, s, res.Err)
		return
	}
	if s.mode == modeInterval {
		c.handleIntervalResult(archiveJID, s, res)
		return
	}

	if res.Last == "" {
		// Empty page: nothing new since the cursor.
		c.logger.Info("end of archive query, no items",
			zap.String("archive", archiveJID))
		c.finishCatchUp(archiveJID, s, archive.CheckpointUpdate{})
		return
	}

	if !res.Complete {
		// Persist the cursor before the next page leaves: a crash here
		// resumes from the confirmed page instead of from scratch.
		if err := c.setCheckpointByJID(archiveJID, s.groupchat,
			archive.CheckpointUpdate{Cursor: &res.Last}); err != nil {
			c.failLocked(archiveJID, s, err)
			return
		}
		if err := s.transition(Paging); err != nil {
			c.logger.Error("paging transition", zap.Error(err))
			return
		}
		next := xmpp.Query{
			ArchiveJID: res.ArchiveJID,
			After:      res.Last,
			Max:        c.policy.pageSize(),
		}
		_ = c.sendQuery(archiveJID, s, next)
		return
	}

	lastReceived := float64(c.now().Unix())
	update := archive.CheckpointUpdate{
		Cursor:       &res.Last,
		LastReceived: &lastReceived,
	}
	if !s.groupchat && !s.bootstrapStart.IsZero() {
		// First-run backfill horizon: a later deep search knows where
		// organic coverage begins.
		oldest := float64(s.bootstrapStart.Unix())
		update.OldestSynced = &oldest
	}
	c.logger.Info("end of archive query",
		zap.String("archive", archiveJID), zap.String("last", res.Last))
	c.finishCatchUp(archiveJID, s, update)
}

func (c *Controller) handleIntervalResult(archiveJID string, s *scope, res xmpp.QueryResult) {
	if res.Last != "" && !res.Complete {
		// Interval pages keep their query id across continuations.
		next := xmpp.Query{
			Start: s.intervalStart,
			End:   s.intervalEnd,
			After: res.Last,
			Max:   IntervalPageSize,
		}
		next.QueryID = s.queryID
		if err := s.transition(Paging); err != nil {
			c.logger.Error("paging transition", zap.Error(err))
			return
		}
		if err := c.querier.SendQuery(next); err != nil {
			c.failLocked(archiveJID, s, err)
		}
		return
	}

	oldest := archive.OldestSyncedAll
	if !s.intervalStart.IsZero() {
		oldest = float64(s.intervalStart.Unix())
	}
	queryID := s.queryID
	c.finishCatchUp(archiveJID, s, archive.CheckpointUpdate{OldestSynced: &oldest})
	c.sink.IntervalFinished(queryID)
}

func (c *Controller) finishCatchUp(archiveJID string, s *scope, update archive.CheckpointUpdate) {
	if err := c.setCheckpointByJID(archiveJID, s.groupchat, update); err != nil {
		c.failLocked(archiveJID, s, err)
		return
	}
	mode := s.mode
	s.queryID = ""
	if err := s.transition(CaughtUp); err != nil {
		c.logger.Error("caught-up transition", zap.Error(err))
		return
	}
	if mode == modeCatchUp {
		c.sink.CatchUpFinished(archiveJID)
	}
}

func (c *Controller) failLocked(archiveJID string, s *scope, err error) {
	c.logger.Error("archive sync failed",
		zap.String("archive", archiveJID), zap.Error(err))
	s.queryID = ""
	if terr := s.transition(Failed); terr != nil {
		c.logger.Error("failed transition", zap.Error(terr))
	}
	c.sink.SyncFailed(archiveJID, err)
}

func (c *Controller) setCheckpointByJID(archiveJID string, groupchat bool, u archive.CheckpointUpdate) error {
	kind := archive.AddressNormal
	if groupchat {
		kind = archive.AddressRoom
	}
	id, err := c.resolver.ResolveAddress(archiveJID, kind)
	if err != nil {
		return err
	}
	if u.Cursor == nil && u.OldestSynced == nil && u.LastReceived == nil && u.SyncWindow == nil {
		return nil
	}
	return c.db.SetCheckpoint(id, u)
}

// resolveSyncWindow returns the effective sync window for a room:
// per-room config override, then the stored checkpoint value, then the
// default for the room type. A freshly applied default is persisted so
// the room keeps its behavior if the config default later changes.
func (c *Controller) resolveSyncWindow(roomJID string, roomID int64, cp *archive.Checkpoint) (int, error) {
	if w, ok := c.policy.RoomWindowOverrides[roomJID]; ok {
		return w, nil
	}
	if cp != nil && cp.SyncWindow != nil {
		return *cp.SyncWindow, nil
	}
	window := c.policy.PublicRoomWindowDays
	if c.membersOnly[roomJID] {
		window = c.policy.MemberOnlyRoomWindowDays
	}
	if err := c.db.SetCheckpoint(roomID, archive.CheckpointUpdate{SyncWindow: &window}); err != nil {
		return 0, err
	}
	return window, nil
}

func (c *Controller) staleSince(lastReceived float64, windowDays int) bool {
	if lastReceived == 0 {
		return true
	}
	last := time.Unix(int64(lastReceived), 0)
	return c.now().Sub(last) > time.Duration(windowDays)*24*time.Hour
}

func bareJID(addr string) string {
	bare, _, _ := strings.Cut(addr, "/")
	return bare
}
