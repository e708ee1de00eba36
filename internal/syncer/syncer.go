// Package syncer is the bidirectional synchronization orchestrator.
//
// A cycle runs in two phases. First the offline mutation queue is drained
// against the remote store. Then each entity type is synchronized in
// dependency order: fetch the authoritative remote state, detect and
// resolve conflicts against local records, apply the winners locally in
// one transaction, and push purely-local records upstream.
//
// At most one cycle runs at a time. A second Synchronize call while a
// cycle is in flight returns ErrSyncInProgress immediately; callers retry
// on the next trigger (timer, user action, connectivity change) rather
// than waiting.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"sync/atomic"
	"time"

	"github.com/trailbook/trailbook/internal/conflict"
	"github.com/trailbook/trailbook/internal/depgraph"
	"github.com/trailbook/trailbook/internal/entity"
	"github.com/trailbook/trailbook/internal/netgate"
	"github.com/trailbook/trailbook/internal/queue"
	"github.com/trailbook/trailbook/internal/remote"
	"github.com/trailbook/trailbook/internal/store"
	"github.com/trailbook/trailbook/internal/telemetry"
)

// State is the orchestrator's coarse lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateSyncing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Outcome classifies how a cycle ended.
type Outcome string

const (
	// OutcomeSuccess: every stage completed and the queue fully drained.
	OutcomeSuccess Outcome = "success"

	// OutcomePartial: the cycle finished but some stages failed or were
	// skipped, or some queued tasks could not be applied.
	OutcomePartial Outcome = "partial"

	// OutcomeFailed: the cycle aborted on a precondition or a
	// non-recoverable error (authentication, local store failure).
	OutcomeFailed Outcome = "failed"

	// OutcomeSkipped: the connectivity gate declined; nothing ran.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeCancelled: the context was cancelled mid-cycle. Completed
	// transactions stand, the rest waits for the next cycle.
	OutcomeCancelled Outcome = "cancelled"
)

// Sentinel errors returned by Synchronize before any work starts.
var (
	ErrSyncInProgress   = errors.New("sync already in progress")
	ErrSyncDisabled     = errors.New("sync is disabled")
	ErrCloudOnlyStorage = errors.New("storage is cloud-only; nothing to sync")
	ErrNotAuthenticated = errors.New("not authenticated")
)

// errInvalidTask marks queued payloads that can never be accepted by the
// remote; such tasks fail permanently instead of burning retries.
var errInvalidTask = errors.New("task payload invalid")

// StageResult reports what one entity-type stage did.
type StageResult struct {
	Type entity.Type

	// Fetched is how many records the remote returned.
	Fetched int

	// Conflicts is how many records diverged and went through resolution.
	Conflicts int

	// Adopted is how many remote records were new locally.
	Adopted int

	// Applied is how many local records took the remote (or resolved) copy.
	Applied int

	// Pushed is how many local records were sent upstream (creates and
	// conflict-winning updates).
	Pushed int

	// Invalid is how many records were held back by schema validation.
	Invalid int

	// Skipped is true when the stage did not run because a dependency
	// stage failed earlier in the cycle.
	Skipped bool

	Err error
}

// Report summarizes one sync cycle.
type Report struct {
	Outcome   Outcome
	StartedAt time.Time
	Duration  time.Duration

	// QueueDrained is how many offline tasks were applied upstream.
	QueueDrained int

	// QueueFailed is how many tasks hit their retry ceiling or failed
	// permanently during this cycle.
	QueueFailed int

	// QueueDeferred is how many tasks failed transiently and went back
	// to pending for the next cycle.
	QueueDeferred int

	Stages []StageResult

	// Err is set for OutcomeFailed.
	Err error
}

// Config controls a sync cycle's preconditions and scope.
type Config struct {
	// Enabled gates the whole engine; the app's sync toggle.
	Enabled bool

	// CloudOnlyStorage marks installs that keep no local copy; sync is
	// meaningless there and Synchronize refuses to run.
	CloudOnlyStorage bool

	// Authenticated reports whether a usable credential exists. A nil
	// func means authentication is managed elsewhere and assumed good.
	Authenticated func(ctx context.Context) bool

	// Scope restricts remote list operations.
	Scope remote.ScopeFilter

	// StageTimeout bounds each entity-type stage. Defaults to 2 minutes.
	StageTimeout time.Duration
}

// Options wires an Orchestrator's collaborators.
type Options struct {
	Store    *store.Store
	Remote   remote.Client
	Queue    *queue.Queue
	Resolver *conflict.Resolver
	Gate     netgate.Gate

	// Graph defaults to the built-in entity dependency graph.
	Graph *depgraph.Graph

	// Monitor is optional; nil disables telemetry.
	Monitor *telemetry.Monitor

	Logger *log.Logger
	Config Config
}

// Orchestrator coordinates sync cycles over the local store, the offline
// queue, and the remote backend.
type Orchestrator struct {
	store    *store.Store
	remote   remote.Client
	queue    *queue.Queue
	resolver *conflict.Resolver
	gate     netgate.Gate
	graph    *depgraph.Graph
	monitor  *telemetry.Monitor
	config   Config
	logger   *log.Logger

	state    atomic.Int32
	progress atomic.Uint64 // float64 bits
	bus      *bus
}

// New creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Remote == nil {
		return nil, fmt.Errorf("remote client is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("conflict resolver is required")
	}
	if opts.Gate == nil {
		return nil, fmt.Errorf("network gate is required")
	}
	if opts.Graph == nil {
		g, err := depgraph.New()
		if err != nil {
			return nil, err
		}
		opts.Graph = g
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if opts.Config.StageTimeout == 0 {
		opts.Config.StageTimeout = 2 * time.Minute
	}

	return &Orchestrator{
		store:    opts.Store,
		remote:   opts.Remote,
		queue:    opts.Queue,
		resolver: opts.Resolver,
		gate:     opts.Gate,
		graph:    opts.Graph,
		monitor:  opts.Monitor,
		config:   opts.Config,
		logger:   opts.Logger,
		bus:      newBus(),
	}, nil
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Progress returns the current cycle's completion fraction in [0, 1].
// The value never decreases within a cycle and reaches 1.0 only when the
// cycle completes fully.
func (o *Orchestrator) Progress() float64 {
	return math.Float64frombits(o.progress.Load())
}

// Subscribe returns a channel of orchestrator events and a cancel
// function. Events are dropped, never blocked on, if the consumer falls
// behind.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	return o.bus.subscribe()
}

// PendingConflicts returns conflicts awaiting manual resolution. The
// list is durable: conflicts parked by an earlier process are included.
func (o *Orchestrator) PendingConflicts(ctx context.Context) ([]*conflict.Record, error) {
	return o.store.ListConflicts(ctx)
}

// Close releases event subscriptions. It does not interrupt a running
// cycle; cancel its context for that.
func (o *Orchestrator) Close() {
	o.bus.close()
}

// Synchronize runs one full sync cycle.
//
// Preconditions are checked first: the engine must be enabled, storage
// must not be cloud-only, and a credential must be available; violations
// return the matching sentinel error with OutcomeFailed. A declined
// connectivity gate is not an error: the report says OutcomeSkipped and
// the error is nil.
//
// Only one cycle runs at a time; a concurrent call fails fast with
// ErrSyncInProgress and a nil report.
func (o *Orchestrator) Synchronize(ctx context.Context) (*Report, error) {
	if !o.state.CompareAndSwap(int32(StateIdle), int32(StateSyncing)) {
		return nil, ErrSyncInProgress
	}

	o.setProgress(0)
	o.bus.publish(Event{Type: EventStateChanged, State: StateSyncing})

	report := &Report{StartedAt: time.Now()}
	defer func() {
		report.Duration = time.Since(report.StartedAt)
		o.bus.publish(Event{Type: EventCycleFinished, State: StateIdle,
			Progress: o.Progress(), Report: report})
		o.state.Store(int32(StateIdle))
		o.bus.publish(Event{Type: EventStateChanged, State: StateIdle})
	}()

	if err := o.checkPreconditions(ctx); err != nil {
		report.Outcome = OutcomeFailed
		report.Err = err
		return report, err
	}

	if !o.gate.CanSync(ctx) {
		o.logger.Printf("Cycle skipped: connectivity gate declined")
		report.Outcome = OutcomeSkipped
		return report, nil
	}

	order := o.graph.SyncOrder()
	totalStages := len(order) + 1 // queue drain counts as a stage

	drained, taskFailures, deferred, drainErr := o.drainQueue(ctx)
	report.QueueDrained = drained
	report.QueueFailed = taskFailures
	report.QueueDeferred = deferred
	if drainErr != nil {
		if ctxDone(drainErr) {
			o.logger.Printf("Cycle cancelled during queue drain (%d tasks applied)", drained)
			report.Outcome = OutcomeCancelled
			return report, nil
		}
		report.Outcome = OutcomeFailed
		report.Err = fmt.Errorf("queue drain aborted: %w", drainErr)
		return report, report.Err
	}
	o.setProgress(1 / float64(totalStages))
	o.bus.publish(Event{Type: EventQueueDrained, State: StateSyncing, Progress: o.Progress()})

	var (
		completed   = 1 // the drain
		failedTypes = make(map[entity.Type]bool)
		cancelled   bool
		hardErr     error
	)

	for _, t := range order {
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		if dep := o.failedDependency(t, failedTypes); dep != "" {
			o.logger.Printf("Skipping %s: dependency %s failed this cycle", t, dep)
			failedTypes[t] = true
			report.Stages = append(report.Stages, StageResult{Type: t, Skipped: true})
			continue
		}

		res := o.syncStage(ctx, t)
		report.Stages = append(report.Stages, res)

		if res.Err != nil {
			if ctxDone(res.Err) {
				cancelled = true
				break
			}
			failedTypes[t] = true
			o.logger.Printf("Stage %s failed: %v", t, res.Err)
			if remote.KindOf(res.Err) == remote.KindAuth {
				hardErr = fmt.Errorf("stage %s: %w", t, res.Err)
				break
			}
			continue
		}

		completed++
		o.setProgress(float64(completed) / float64(totalStages))
		o.bus.publish(Event{Type: EventStageCompleted, State: StateSyncing,
			Stage: t, Progress: o.Progress()})
	}

	switch {
	case cancelled:
		report.Outcome = OutcomeCancelled
		o.logger.Printf("Cycle cancelled after %d/%d stages", completed, totalStages)
		return report, nil

	case hardErr != nil:
		report.Outcome = OutcomeFailed
		report.Err = hardErr
		return report, hardErr

	case len(failedTypes) > 0 || taskFailures > 0 || deferred > 0 || anyInvalid(report.Stages):
		report.Outcome = OutcomePartial
		o.logger.Printf("Cycle partially complete: %d/%d stages, %d task failures",
			completed, totalStages, taskFailures)
		return report, nil
	}

	if err := o.store.SetLastSyncedAt(ctx, time.Now()); err != nil {
		o.logger.Printf("Failed to record sync time: %v", err)
	}
	o.setProgress(1)
	report.Outcome = OutcomeSuccess
	o.logger.Printf("Cycle complete: %d tasks drained, %d stages", drained, len(order))
	return report, nil
}

func (o *Orchestrator) checkPreconditions(ctx context.Context) error {
	if !o.config.Enabled {
		return ErrSyncDisabled
	}
	if o.config.CloudOnlyStorage {
		return ErrCloudOnlyStorage
	}
	if o.config.Authenticated != nil && !o.config.Authenticated(ctx) {
		return ErrNotAuthenticated
	}
	return nil
}

// drainQueue replays pending offline mutations against the remote store,
// highest priority first. Each pending task gets at most one attempt per
// cycle; a task that failed transiently and returned to pending is held
// in-flight when dequeue hands it back, so the walk reaches every tier
// below it instead of spinning on one flapping high-priority task. Held
// tasks return to pending once the walk finishes.
func (o *Orchestrator) drainQueue(ctx context.Context) (drained, failed, deferred int, err error) {
	seen := make(map[string]bool)
	var held []string
	defer func() {
		for _, id := range held {
			if relErr := o.queue.Release(ctx, id); relErr != nil {
				// Recover reclaims stranded in-flight tasks at startup.
				o.logger.Printf("Failed to release task %s: %v", id, relErr)
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return drained, failed, deferred, ctx.Err()
		}

		task, err := o.queue.Dequeue(ctx)
		if err != nil {
			return drained, failed, deferred, err
		}
		if task == nil {
			return drained, failed, deferred, nil
		}

		if seen[task.ID] {
			// Already attempted this cycle; park it until the loop ends.
			held = append(held, task.ID)
			continue
		}
		seen[task.ID] = true

		applyErr := o.applyTask(ctx, task)
		switch {
		case applyErr == nil:
			if err := o.queue.MarkCompleted(ctx, task.ID); err != nil {
				return drained, failed, deferred, err
			}
			drained++

		case ctxDone(applyErr):
			if err := o.queue.Release(ctx, task.ID); err != nil {
				return drained, failed, deferred, err
			}
			return drained, failed, deferred, applyErr

		case remote.KindOf(applyErr) == remote.KindAuth:
			// The credential is bad for every remaining task too.
			if err := o.queue.Release(ctx, task.ID); err != nil {
				return drained, failed, deferred, err
			}
			return drained, failed, deferred, applyErr

		case errors.Is(applyErr, errInvalidTask),
			remote.KindOf(applyErr) == remote.KindValidation:
			o.logger.Printf("Task %s (%s %s) rejected, will not retry: %v",
				task.ID, task.Operation, task.EntityType, applyErr)
			if err := o.queue.MarkFailedPermanently(ctx, task.ID); err != nil {
				return drained, failed, deferred, err
			}
			failed++

		default:
			o.logger.Printf("Task %s (%s %s) failed: %v",
				task.ID, task.Operation, task.EntityType, applyErr)
			status, err := o.queue.MarkFailed(ctx, task.ID)
			if err != nil {
				return drained, failed, deferred, err
			}
			if status == queue.StatusFailed {
				failed++
			} else {
				deferred++
			}
		}
	}
}

// applyTask replays one offline mutation against the remote store.
func (o *Orchestrator) applyTask(ctx context.Context, task *queue.Task) error {
	switch task.Operation {
	case queue.OpCreate:
		return o.applyCreate(ctx, task)
	case queue.OpUpdate:
		return o.applyUpdate(ctx, task)
	case queue.OpDelete:
		return o.applyDelete(ctx, task)
	}
	return fmt.Errorf("%w: unknown operation %q", errInvalidTask, task.Operation)
}

func (o *Orchestrator) applyCreate(ctx context.Context, task *queue.Task) error {
	local, err := o.store.GetRecord(ctx, task.EntityType, task.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		// The entity vanished locally after the task was enqueued.
		o.logger.Printf("Dropping create for deleted %s %s", task.EntityType, task.EntityID)
		return nil
	}
	if err != nil {
		return err
	}
	if local.ServerID != "" {
		// Already pushed, likely by an interrupted earlier cycle.
		return nil
	}

	if err := o.validatePayload(task); err != nil {
		return err
	}

	created, err := o.remote.Create(ctx, task.EntityType, task.Payload)
	if err != nil {
		return err
	}

	if err := o.adoptServerIdentity(ctx, local, created); err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) applyUpdate(ctx context.Context, task *queue.Task) error {
	local, err := o.store.GetRecord(ctx, task.EntityType, task.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		o.logger.Printf("Dropping update for deleted %s %s", task.EntityType, task.EntityID)
		return nil
	}
	if err != nil {
		return err
	}

	if err := o.validatePayload(task); err != nil {
		return err
	}

	// A record the remote has never seen gets created instead; an update
	// would target nothing.
	if local.ServerID == "" {
		created, err := o.remote.Create(ctx, task.EntityType, task.Payload)
		if err != nil {
			return err
		}
		return o.adoptServerIdentity(ctx, local, created)
	}

	updated, err := o.remote.Update(ctx, task.EntityType, local.ServerID, task.Payload)
	if err != nil {
		return err
	}

	// Take the remote's mutation timestamp so the next fetch sees the two
	// copies in agreement.
	local.Fields = task.Payload.Clone()
	local.UpdatedAt = updated.UpdatedAt
	return o.store.UpsertRecord(ctx, local)
}

func (o *Orchestrator) applyDelete(ctx context.Context, task *queue.Task) error {
	// Delete tasks carry the server id in the payload because the local
	// record is usually gone by replay time.
	serverID, _ := task.Payload["server_id"].(string)
	if serverID == "" {
		if local, err := o.store.GetRecord(ctx, task.EntityType, task.EntityID); err == nil {
			serverID = local.ServerID
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	if serverID != "" {
		if err := o.remote.Delete(ctx, task.EntityType, serverID); err != nil {
			return err
		}
	}

	return o.store.DeleteRecord(ctx, task.EntityType, task.EntityID)
}

func (o *Orchestrator) validatePayload(task *queue.Task) error {
	up := &entity.Record{
		Type:      task.EntityType,
		LocalID:   task.EntityID,
		UpdatedAt: task.CreatedAt,
		Fields:    task.Payload,
	}
	if err := up.ValidateForUpload(); err != nil {
		return fmt.Errorf("%w: %v", errInvalidTask, err)
	}
	return nil
}

// adoptServerIdentity records a freshly assigned server id and aligns the
// local mutation timestamp with the remote copy.
func (o *Orchestrator) adoptServerIdentity(ctx context.Context, local *entity.Record, created remote.Entity) error {
	if err := o.store.SetServerID(ctx, local.Type, local.LocalID, created.ID); err != nil {
		if errors.Is(err, entity.ErrServerIDMismatch) {
			// Identity is immutable once assigned; refuse the overwrite
			// and surface it as a data-integrity fault, not a sync error.
			o.logger.Printf("Data integrity fault: %v", err)
			return nil
		}
		return err
	}

	local.ServerID = created.ID
	local.UpdatedAt = created.UpdatedAt
	return o.store.UpsertRecord(ctx, local)
}

// failedDependency returns the first predecessor of t that failed this
// cycle, or "" when t is clear to run.
func (o *Orchestrator) failedDependency(t entity.Type, failed map[entity.Type]bool) entity.Type {
	for _, dep := range o.graph.Dependencies(t) {
		if failed[dep] {
			return dep
		}
	}
	return ""
}

// syncStage synchronizes one entity type: fetch remote state, reconcile
// against local records inside a single transaction, then push local-only
// records and conflict-winning local updates upstream.
func (o *Orchestrator) syncStage(ctx context.Context, t entity.Type) StageResult {
	res := StageResult{Type: t}
	var bytes int64
	m := o.monitor.StartMeasuring("sync." + string(t))
	defer func() { m.Finish(res.Fetched+res.Pushed, bytes) }()

	stageCtx, cancel := context.WithTimeout(ctx, o.config.StageTimeout)
	defer cancel()

	remotes, err := o.remote.ListAll(stageCtx, t, o.config.Scope)
	if err != nil {
		res.Err = fmt.Errorf("fetch %s: %w", t, err)
		return res
	}
	res.Fetched = len(remotes)

	for _, re := range remotes {
		if b, err := json.Marshal(re.Fields); err == nil {
			bytes += int64(len(b))
		}
	}

	// Records whose local side won a conflict; pushed after the local
	// transaction commits.
	var pushUpdates []*entity.Record

	// Conflicts parked by the manual strategy; persisted after the
	// transaction commits so a later process can resolve them.
	var parked []*conflict.Record

	err = o.store.PerformAtomic(stageCtx, func(tx *store.Tx) error {
		for _, re := range remotes {
			// Backends echo identity attributes inside the field payload
			// under several historical names; strip them so they never
			// reach stored fields, and reuse an echoed local id so a
			// record pushed by an interrupted earlier cycle re-links
			// instead of duplicating.
			reID, reFields := entity.Normalize(re.Fields)

			local, err := tx.GetRecordByServerID(stageCtx, t, re.ID)
			if errors.Is(err, store.ErrNotFound) {
				adopted := &entity.Record{
					Type:      t,
					LocalID:   reID.LocalID,
					ServerID:  re.ID,
					UpdatedAt: re.UpdatedAt,
					Fields:    reFields,
				}
				if err := tx.UpsertRecord(stageCtx, adopted); err != nil {
					// One malformed remote record must not sink its
					// siblings.
					o.logger.Printf("Rejecting remote %s %s: %v", t, re.ID, err)
					res.Invalid++
					continue
				}
				res.Adopted++
				continue
			}
			if err != nil {
				return err
			}

			rc := conflict.Detect(local, &entity.Record{
				Type:      t,
				LocalID:   local.LocalID,
				ServerID:  re.ID,
				UpdatedAt: re.UpdatedAt,
				Fields:    reFields,
			})
			if rc == nil {
				continue
			}
			res.Conflicts++

			if o.resolver.Strategy() == conflict.StrategyManual {
				// Park it; neither side is written until a human decides.
				if _, err := o.resolver.Resolve(rc); err != nil {
					return err
				}
				parked = append(parked, rc)
				continue
			}

			winner, err := o.resolver.Resolve(rc)
			if err != nil {
				return err
			}

			if remoteWon(o.resolver.Strategy(), rc) {
				local.Fields = winner
				local.UpdatedAt = re.UpdatedAt
				if err := tx.UpsertRecord(stageCtx, local); err != nil {
					o.logger.Printf("Rejecting remote %s %s: %v", t, re.ID, err)
					res.Invalid++
					continue
				}
				res.Applied++
			} else {
				winning := *local
				winning.Fields = winner
				pushUpdates = append(pushUpdates, &winning)
			}
		}
		return nil
	})
	if err != nil {
		res.Err = fmt.Errorf("reconcile %s: %w", t, err)
		return res
	}

	for _, rc := range parked {
		if err := o.store.SaveConflict(stageCtx, rc); err != nil {
			o.logger.Printf("Failed to persist conflict on %s %s: %v", t, rc.EntityID, err)
		}
	}

	unpushed, err := o.store.ListUnpushed(stageCtx, t)
	if err != nil {
		res.Err = fmt.Errorf("list unpushed %s: %w", t, err)
		return res
	}

	for _, rec := range unpushed {
		if err := rec.ValidateForUpload(); err != nil {
			o.logger.Printf("Holding back invalid %s %s: %v", t, rec.LocalID, err)
			res.Invalid++
			continue
		}

		created, err := o.remote.Create(stageCtx, t, rec.Fields)
		if err != nil {
			res.Err = fmt.Errorf("push %s %s: %w", t, rec.LocalID, err)
			return res
		}
		if err := o.adoptServerIdentity(stageCtx, rec, created); err != nil {
			res.Err = fmt.Errorf("record server id for %s %s: %w", t, rec.LocalID, err)
			return res
		}
		res.Pushed++

		if b, err := json.Marshal(rec.Fields); err == nil {
			bytes += int64(len(b))
		}
	}

	for _, rec := range pushUpdates {
		updated, err := o.remote.Update(stageCtx, t, rec.ServerID, rec.Fields)
		if err != nil {
			res.Err = fmt.Errorf("push %s %s: %w", t, rec.LocalID, err)
			return res
		}

		// Adopt the remote's new timestamp so the next fetch agrees.
		rec.UpdatedAt = updated.UpdatedAt
		if err := o.store.UpsertRecord(stageCtx, rec); err != nil {
			res.Err = fmt.Errorf("record push of %s %s: %w", t, rec.LocalID, err)
			return res
		}
		res.Pushed++

		if b, err := json.Marshal(rec.Fields); err == nil {
			bytes += int64(len(b))
		}
	}

	return res
}

// ResolveConflict applies a human decision to a parked conflict: the
// winning snapshot is written locally and, when the remote side needs it,
// queued for upstream replay on the next cycle.
func (o *Orchestrator) ResolveConflict(ctx context.Context, t entity.Type, entityID string, choice conflict.Choice) error {
	var rec *conflict.Record
	parked, err := o.store.ListConflicts(ctx)
	if err != nil {
		return err
	}
	for _, rc := range parked {
		if rc.EntityType == t && rc.EntityID == entityID {
			rec = rc
			break
		}
	}
	if rec == nil {
		return fmt.Errorf("no pending conflict for %s %s", t, entityID)
	}

	var winner entity.Snapshot
	var updatedAt time.Time
	switch choice {
	case conflict.ChooseLocal:
		winner = rec.LocalFields.Clone()
		updatedAt = time.Now().UTC()
	case conflict.ChooseRemote:
		winner = rec.RemoteFields.Clone()
		// Match the remote's timestamp so the next fetch sees agreement.
		updatedAt = rec.RemoteVersion
	default:
		return fmt.Errorf("unknown choice: %s", choice)
	}

	local, err := o.store.GetRecord(ctx, t, entityID)
	if err != nil {
		return err
	}

	local.Fields = winner
	local.UpdatedAt = updatedAt
	if err := o.store.UpsertRecord(ctx, local); err != nil {
		return err
	}

	if err := o.store.DeleteConflict(ctx, t, entityID); err != nil {
		return err
	}
	// Clear the in-memory copy when this process parked it.
	if _, err := o.resolver.ResolveManually(t, entityID, choice); err == nil {
		o.logger.Printf("Cleared in-memory conflict on %s %s", t, entityID)
	}

	if choice == conflict.ChooseLocal {
		op := queue.OpUpdate
		if local.ServerID == "" {
			op = queue.OpCreate
		}
		if _, err := o.queue.Enqueue(ctx, t, entityID, op, winner, queue.PriorityHigh); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) setProgress(p float64) {
	for {
		old := o.progress.Load()
		if p <= math.Float64frombits(old) && p != 0 {
			return
		}
		if p == 0 {
			o.progress.Store(0)
			return
		}
		if o.progress.CompareAndSwap(old, math.Float64bits(p)) {
			return
		}
	}
}

func ctxDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func anyInvalid(stages []StageResult) bool {
	for _, s := range stages {
		if s.Invalid > 0 {
			return true
		}
	}
	return false
}

func remoteWon(s conflict.Strategy, rc *conflict.Record) bool {
	switch s {
	case conflict.StrategyRemoteWins:
		return true
	case conflict.StrategyLastWriteWins:
		return rc.RemoteVersion.After(rc.LocalVersion)
	}
	return false
}
