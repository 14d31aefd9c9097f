package usage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goodtune/kguard/internal/clock"
	"github.com/goodtune/kguard/internal/metrics"
	"github.com/goodtune/kguard/internal/profile"
	"github.com/goodtune/kguard/internal/storage"
	"github.com/goodtune/kguard/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// subscriberBuffer is the per-subscriber channel capacity
const subscriberBuffer = 64

// Engine tracks per-user usage, charges it against daily quotas and
// persists every transition to the event log.
type Engine struct {
	repo     profile.Repository
	events   storage.EventLog
	activity telemetry.Source
	clock    clock.Clock
	zone     clock.ZoneSource
	interval time.Duration
	idle     time.Duration
	logger   zerolog.Logger

	// gates serialises transitions and their persistence per user
	gates sync.Map // userID -> *sync.Mutex

	// mu guards writers of accounts and pending; readers load the pointer
	mu       sync.Mutex
	accounts atomic.Pointer[map[string]Account]
	pending  map[string][]storage.UsageEvent

	subMu sync.Mutex
	subs  map[chan UsageChange]struct{}
}

// NewEngine creates a usage engine. Call Init before use.
func NewEngine(
	repo profile.Repository,
	events storage.EventLog,
	activity telemetry.Source,
	clk clock.Clock,
	zone clock.ZoneSource,
	config Config,
	logger zerolog.Logger,
) *Engine {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}

	e := &Engine{
		repo:     repo,
		events:   events,
		activity: activity,
		clock:    clk,
		zone:     zone,
		interval: config.Interval,
		idle:     config.IdleTimeout,
		logger:   logger.With().Str("component", "usage-engine").Logger(),
		pending:  make(map[string][]storage.UsageEvent),
		subs:     make(map[chan UsageChange]struct{}),
	}
	empty := make(map[string]Account)
	e.accounts.Store(&empty)
	return e
}

// Init rebuilds every account from the event log.
func (e *Engine) Init(ctx context.Context) error {
	loc, err := e.zone.Location()
	if err != nil {
		return err
	}

	users, err := e.events.Users(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	now := e.clock.Now()
	rebuilt := make(map[string]Account, len(users))
	for _, userID := range users {
		events, err := e.events.Load(ctx, userID)
		if err != nil {
			return fmt.Errorf("load events for %s: %w", userID, err)
		}
		rebuilt[userID] = Replay(userID, events, e.interval, loc, now)
	}

	e.mu.Lock()
	e.accounts.Store(&rebuilt)
	e.mu.Unlock()

	e.logger.Info().
		Int("users", len(rebuilt)).
		Msg("Usage accounts rebuilt from event log")

	return nil
}

// StartUsage opens a session for the device's user. It returns whether the
// user is allowed to use time today; a user already active is left unchanged.
func (e *Engine) StartUsage(ctx context.Context, deviceID string) (bool, error) {
	userID, err := e.userFor(ctx, deviceID)
	if err != nil {
		return false, err
	}

	var allowed bool
	err = e.transition(ctx, userID, func(acc Account, now time.Time, loc *time.Location) (Account, *storage.UsageEvent) {
		allowed = acc.Allowed
		if acc.Active {
			return acc, nil
		}
		ev := newEvent(userID, now, true, storage.ReasonUser)
		next, _ := apply(acc, ev, e.interval, loc)
		return next, &ev
	}, deviceID)
	return allowed, err
}

// StopUsage closes the open session of the device's user, charging it.
func (e *Engine) StopUsage(ctx context.Context, deviceID string) error {
	userID, err := e.userFor(ctx, deviceID)
	if err != nil {
		return err
	}

	return e.transition(ctx, userID, func(acc Account, now time.Time, loc *time.Location) (Account, *storage.UsageEvent) {
		if !acc.Active {
			return acc, nil
		}
		ev := newEvent(userID, now, false, storage.ReasonUser)
		next, _ := apply(acc, ev, e.interval, loc)
		return next, &ev
	}, deviceID)
}

// transitionFunc computes the next account and the event recording it, or
// a nil event when nothing happened.
type transitionFunc func(acc Account, now time.Time, loc *time.Location) (Account, *storage.UsageEvent)

// transition runs a user-initiated state change and notifies subscribers.
func (e *Engine) transition(ctx context.Context, userID string, fn transitionFunc, deviceID string) error {
	loc, err := e.zone.Location()
	if err != nil {
		return err
	}

	gate := e.gate(userID)
	gate.Lock()
	defer gate.Unlock()

	if err := e.flushPending(ctx, userID); err != nil {
		e.logger.Warn().Err(err).Str("user_id", userID).Msg("Pending usage events still not persisted")
	}

	now := e.clock.Now()
	acc := rollover(e.Account(userID), now, loc)
	next, ev := fn(acc, now, loc)
	e.publish(next)
	if ev == nil {
		return nil
	}

	e.observe(acc, next, *ev)
	persistErr := e.persist(ctx, *ev)

	e.notify(UsageChange{
		UserID:   userID,
		DeviceID: deviceID,
		Started:  ev.Started,
		At:       ev.Timestamp,
		Account:  next,
	})

	return persistErr
}

// AccountUsages reconciles every account at the current instant: day
// rollover, quota exhaustion and idle auto-off. Only users assigned to one
// of devices are checked for quota and idleness.
func (e *Engine) AccountUsages(ctx context.Context, devices []profile.Device) error {
	loc, err := e.zone.Location()
	if err != nil {
		return err
	}

	byUser := make(map[string][]string)
	for _, d := range devices {
		if d.UserID == "" {
			continue
		}
		byUser[d.UserID] = append(byUser[d.UserID], d.ID)
	}

	snapshot := e.accounts.Load()
	users := make([]string, 0, len(*snapshot))
	for userID := range *snapshot {
		users = append(users, userID)
	}
	e.mu.Lock()
	for userID := range e.pending {
		if _, ok := (*snapshot)[userID]; !ok {
			users = append(users, userID)
		}
	}
	e.mu.Unlock()
	sort.Strings(users)

	var errs []error
	for _, userID := range users {
		if err := e.accountUser(ctx, userID, byUser[userID], loc); err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) accountUser(ctx context.Context, userID string, deviceIDs []string, loc *time.Location) error {
	gate := e.gate(userID)
	gate.Lock()
	defer gate.Unlock()

	var errs []error
	if err := e.flushPending(ctx, userID); err != nil {
		errs = append(errs, err)
	}

	now := e.clock.Now()
	acc := rollover(e.Account(userID), now, loc)

	if !acc.Active {
		if acc.Used < acc.Accounted {
			acc.Used = acc.Accounted
		}
		e.publish(acc)
		return errors.Join(errs...)
	}

	if len(deviceIDs) == 0 {
		e.publish(acc)
		return errors.Join(errs...)
	}

	ev, err := e.engineStop(ctx, acc, userID, deviceIDs, now, loc)
	if err != nil {
		errs = append(errs, err)
	}
	if ev == nil {
		e.publish(acc)
		return errors.Join(errs...)
	}

	next, _ := apply(acc, *ev, e.interval, loc)
	e.publish(next)
	e.observe(acc, next, *ev)

	e.logger.Info().
		Str("user_id", userID).
		Str("reason", string(ev.Reason)).
		Time("stopped_at", ev.Timestamp).
		Dur("accounted", next.Accounted).
		Msg("Usage session stopped by engine")

	if err := e.persist(ctx, *ev); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// engineStop decides whether an open session must be closed by the engine
// and returns the stop event. Idle detection ends the session at the last
// activity instant; if the quota ran out before that, the quota wins.
func (e *Engine) engineStop(ctx context.Context, acc Account, userID string, deviceIDs []string, now time.Time, loc *time.Location) (*storage.UsageEvent, error) {
	limit := now
	reason := storage.Reason("")

	if last, ok := e.lastActivity(deviceIDs); ok && last.After(acc.SessionStart) && now.Sub(last) > e.idle {
		limit = last
		reason = storage.ReasonIdle
	}

	quota, limited, err := e.quota(ctx, userID, now, loc)
	if err != nil {
		return nil, err
	}
	if limited && projected(acc, limit, e.interval) > roundUp(quota, e.interval) {
		at := quotaStop(acc, quota, e.interval, limit)
		ev := newEvent(userID, at, false, storage.ReasonQuota)
		return &ev, nil
	}

	if reason == storage.ReasonIdle {
		ev := newEvent(userID, limit, false, storage.ReasonIdle)
		return &ev, nil
	}
	return nil, nil
}

// quota resolves today's quota. Missing profiles fail open.
func (e *Engine) quota(ctx context.Context, userID string, now time.Time, loc *time.Location) (time.Duration, bool, error) {
	p, err := e.repo.UserProfile(ctx, userID)
	if errors.Is(err, profile.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("resolve profile: %w", err)
	}
	quota, limited := p.DailyQuota(now.In(loc).Weekday())
	return quota, limited, nil
}

func (e *Engine) lastActivity(deviceIDs []string) (time.Time, bool) {
	if e.activity == nil {
		return time.Time{}, false
	}
	var latest time.Time
	found := false
	for _, id := range deviceIDs {
		if t, ok := e.activity.LastActivity(id); ok {
			if !found || t.After(latest) {
				latest = t
			}
			found = true
		}
	}
	return latest, found
}

// Account returns the current account of a user. Unknown users get a fresh
// inactive, allowed account.
func (e *Engine) Account(userID string) Account {
	if acc, ok := (*e.accounts.Load())[userID]; ok {
		return acc
	}
	return newAccount(userID)
}

// AccountForDevice returns the account of the device's user.
func (e *Engine) AccountForDevice(ctx context.Context, deviceID string) (Account, error) {
	userID, err := e.userFor(ctx, deviceID)
	if err != nil {
		return Account{}, err
	}
	return e.Account(userID), nil
}

// Accounts returns a snapshot of all known accounts ordered by user.
func (e *Engine) Accounts() []Account {
	snapshot := *e.accounts.Load()
	out := make([]Account, 0, len(snapshot))
	for _, acc := range snapshot {
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Subscribe delivers user-initiated usage changes until ctx is done.
// Changes are dropped for a subscriber whose buffer is full.
func (e *Engine) Subscribe(ctx context.Context) <-chan UsageChange {
	ch := make(chan UsageChange, subscriberBuffer)

	e.subMu.Lock()
	e.subs[ch] = struct{}{}
	e.subMu.Unlock()

	go func() {
		<-ctx.Done()
		e.subMu.Lock()
		delete(e.subs, ch)
		close(ch)
		e.subMu.Unlock()
	}()

	return ch
}

func (e *Engine) notify(change UsageChange) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	for ch := range e.subs {
		select {
		case ch <- change:
		default:
			e.logger.Warn().Str("user_id", change.UserID).Msg("Usage subscriber is slow, dropping change")
		}
	}
}

// publish swaps in a copy of the account map with acc replaced.
func (e *Engine) publish(acc Account) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := *e.accounts.Load()
	if prev, ok := current[acc.UserID]; ok && prev == acc {
		return
	}
	next := make(map[string]Account, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[acc.UserID] = acc
	e.accounts.Store(&next)
}

// persist appends ev, queueing it for retry on failure. Must hold the user's gate.
func (e *Engine) persist(ctx context.Context, ev storage.UsageEvent) error {
	e.mu.Lock()
	behind := len(e.pending[ev.UserID])
	if behind > 0 {
		// keep log order: never write past an unpersisted earlier event
		e.pending[ev.UserID] = append(e.pending[ev.UserID], ev)
		e.setPendingGauge()
	}
	e.mu.Unlock()
	if behind > 0 {
		return fmt.Errorf("persist usage event: %d earlier events not yet persisted", behind)
	}

	if err := e.events.Append(ctx, ev); err != nil {
		metrics.EventAppendErrors.Inc()
		e.mu.Lock()
		e.pending[ev.UserID] = append(e.pending[ev.UserID], ev)
		e.setPendingGauge()
		e.mu.Unlock()

		e.logger.Error().
			Err(err).
			Str("user_id", ev.UserID).
			Str("event_id", ev.ID).
			Msg("Failed to persist usage event, queued for retry")
		return fmt.Errorf("persist usage event: %w", err)
	}
	return nil
}

// flushPending retries queued events in order. Must hold the user's gate.
func (e *Engine) flushPending(ctx context.Context, userID string) error {
	e.mu.Lock()
	queued := e.pending[userID]
	e.mu.Unlock()
	if len(queued) == 0 {
		return nil
	}

	done := 0
	var flushErr error
	for _, ev := range queued {
		if err := e.events.Append(ctx, ev); err != nil {
			flushErr = fmt.Errorf("retry usage event %s: %w", ev.ID, err)
			break
		}
		done++
	}

	e.mu.Lock()
	if done == len(e.pending[userID]) {
		delete(e.pending, userID)
	} else {
		e.pending[userID] = e.pending[userID][done:]
	}
	e.setPendingGauge()
	e.mu.Unlock()

	if done > 0 {
		e.logger.Info().Str("user_id", userID).Int("events", done).Msg("Persisted queued usage events")
	}
	return flushErr
}

// PendingEvents returns the number of events waiting to be persisted.
func (e *Engine) PendingEvents() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, q := range e.pending {
		n += len(q)
	}
	return n
}

// setPendingGauge must be called with mu held.
func (e *Engine) setPendingGauge() {
	n := 0
	for _, q := range e.pending {
		n += len(q)
	}
	metrics.PendingEvents.Set(float64(n))
}

func (e *Engine) observe(prev, next Account, ev storage.UsageEvent) {
	transition := "stop"
	if ev.Started {
		transition = "start"
	}
	metrics.UsageTransitions.WithLabelValues(transition, string(ev.Reason)).Inc()
	if delta := next.Accounted - prev.Accounted; delta > 0 {
		metrics.UsageMinutesAccounted.WithLabelValues(ev.UserID).Add(delta.Minutes())
	}

	e.logger.Debug().
		Str("user_id", ev.UserID).
		Str("transition", transition).
		Str("reason", string(ev.Reason)).
		Dur("accounted", next.Accounted).
		Bool("allowed", next.Allowed).
		Msg("Usage transition")
}

func (e *Engine) gate(userID string) *sync.Mutex {
	g, _ := e.gates.LoadOrStore(userID, &sync.Mutex{})
	return g.(*sync.Mutex)
}

func (e *Engine) userFor(ctx context.Context, deviceID string) (string, error) {
	d, err := e.repo.Device(ctx, deviceID)
	if err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
		}
		return "", err
	}
	if d.UserID == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return d.UserID, nil
}

func newEvent(userID string, at time.Time, started bool, reason storage.Reason) storage.UsageEvent {
	return storage.UsageEvent{
		ID:        uuid.NewString(),
		UserID:    userID,
		Timestamp: at.UTC(),
		Started:   started,
		Reason:    reason,
	}
}
