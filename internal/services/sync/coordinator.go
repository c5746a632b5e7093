// Package sync keeps the local ledger current with the remote store. A
// check turns the ids changed since the last check into durable tasks;
// the run loop drains those tasks one at a time.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/weavesync/internal/chain"
	"github.com/TheMichaelB/weavesync/internal/events"
	"github.com/TheMichaelB/weavesync/internal/ledger"
	"github.com/TheMichaelB/weavesync/internal/models"
	"github.com/TheMichaelB/weavesync/internal/services/weave"
)

// ErrQueueEmpty is returned by Step when no unprocessed task remains.
var ErrQueueEmpty = errors.New("task queue is empty")

// Dequeue order: newest batch first, then by position within the batch.
const nextTaskQuery = "processed IS NULL ORDER BY batch_created DESC, batch_index ASC LIMIT 1"

// Remote is the part of the storage client the coordinator uses.
type Remote interface {
	CollectionTimestamps(ctx context.Context) (map[string]float64, error)
	ListIDs(ctx context.Context, collection string, opts weave.ListOptions) ([]string, error)
	FetchFull(ctx context.Context, collection string, ids []string) ([]*models.Envelope, error)
}

// Decrypter turns an envelope into a typed record.
type Decrypter interface {
	DecryptRecord(ctx context.Context, kind models.Kind, env *models.Envelope) (models.Decryptable, error)
}

// Options configures the coordinator.
type Options struct {
	Collections   []string
	ChunkSize     int
	MaxHistory    time.Duration // 0 = everything
	RetryAttempts int
	RetryDelay    time.Duration
}

// CheckResult summarises one check.
type CheckResult struct {
	Collection string   `json:"collection"`
	Since      *float64 `json:"since,omitempty"`
	IDs        int      `json:"ids"`
	Tasks      int      `json:"tasks"`
	BatchUUID  string   `json:"batch_uuid,omitempty"`
}

// Full reports whether the check listed the whole collection.
func (r *CheckResult) Full() bool {
	return r.Since == nil
}

// Coordinator plans and drains sync work.
type Coordinator struct {
	remote    Remote
	decrypter Decrypter
	ledger    *ledger.Ledger
	opts      Options
	logger    *events.Logger
	retry     *retrier
	broker    *broker
	now       func() time.Time

	mu        sync.Mutex
	running   bool
	done      chan struct{} // closed when the current Start returns
	lastBatch int64

	stop atomic.Bool
}

// NewCoordinator creates a coordinator.
func NewCoordinator(remote Remote, decrypter Decrypter, l *ledger.Ledger, opts Options, logger *events.Logger) *Coordinator {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 100
	}
	if len(opts.Collections) == 0 {
		for _, k := range models.Kinds() {
			opts.Collections = append(opts.Collections, k.String())
		}
	}

	logger = logger.WithField("component", "sync_coordinator")
	return &Coordinator{
		remote:    remote,
		decrypter: decrypter,
		ledger:    l,
		opts:      opts,
		logger:    logger,
		retry:     &retrier{attempts: opts.RetryAttempts, delay: opts.RetryDelay, logger: logger},
		broker:    newBroker(),
		now:       time.Now,
	}
}

// Subscribe returns a channel of events and a function that ends the
// subscription.
func (c *Coordinator) Subscribe(buffer int) (<-chan Event, func()) {
	return c.broker.subscribe(buffer)
}

func (c *Coordinator) emit(e Event) {
	e.Timestamp = c.now()
	if e.Err != nil {
		e.Error = e.Err.Error()
	}
	if dropped := c.broker.publish(e); dropped > 0 {
		c.logger.WithFields(map[string]interface{}{
			"event":   e.Type,
			"dropped": dropped,
		}).Debug("Subscriber behind, event dropped")
	}
}

// Check records the ids of collection that changed remotely as a new
// batch of tasks, then moves the collection's checkpoint to the time the
// check started. A checkpoint only bounds the listing while it is older
// than the remote collection; otherwise the listing falls back to the
// history bound, or to the whole collection.
func (c *Coordinator) Check(ctx context.Context, collection string) (*CheckResult, error) {
	if _, err := models.ParseKind(collection); err != nil {
		return nil, err
	}

	log := events.FromContext(events.WithCollection(events.WithLogger(ctx, c.logger), collection))
	result := &CheckResult{Collection: collection}

	var (
		checkpoint *models.Checkpoint
		ids        []string
		tasks      []models.Stored
	)
	// Anything modified remotely after this is picked up by the next check.
	checkedAt := c.now()

	_, err := chain.Run(ctx,
		// Load the checkpoint, if any.
		func(ch *chain.Chain, _ ...interface{}) {
			cp, err := c.checkpoint(ctx, collection)
			if err != nil && !errors.Is(err, models.ErrNotFound) {
				ch.Fail(err)
				return
			}
			checkpoint = cp
			ch.Advance()
		},

		// Work out where the listing starts.
		func(ch *chain.Chain, _ ...interface{}) {
			var stamps map[string]float64
			err := c.retry.do(ctx, "collection timestamps", func() error {
				var err error
				stamps, err = c.remote.CollectionTimestamps(ctx)
				return err
			})
			if err != nil {
				ch.Fail(err)
				return
			}

			remoteModified := stamps[collection]
			switch {
			case checkpoint != nil && checkpoint.LastChecked < remoteModified:
				since := checkpoint.LastChecked
				result.Since = &since
			case c.opts.MaxHistory > 0:
				since := remoteModified - c.opts.MaxHistory.Seconds()
				result.Since = &since
			}
			ch.Advance()
		},

		// List what changed.
		func(ch *chain.Chain, _ ...interface{}) {
			err := c.retry.do(ctx, "list ids", func() error {
				var err error
				ids, err = c.remote.ListIDs(ctx, collection, weave.ListOptions{Sort: "index", Newer: result.Since})
				return err
			})
			if err != nil {
				ch.Fail(err)
				return
			}
			result.IDs = len(ids)

			// One step per chunk, all run before the tasks are saved.
			batch := c.newBatch(collection, len(ids))
			result.BatchUUID = batch.BatchUUID
			for i := 0; i*c.opts.ChunkSize < len(ids); i++ {
				start, end := i*c.opts.ChunkSize, min((i+1)*c.opts.ChunkSize, len(ids))
				task := batch
				task.BatchIndex = i
				task.Chunk = ids[start:end]
				ch.Push(func(ch *chain.Chain, _ ...interface{}) {
					row, err := ledger.NewRow(uuid.NewString(), task)
					if err != nil {
						ch.Fail(err)
						return
					}
					tasks = append(tasks, row)
					ch.Advance()
				})
			}
			ch.Push(c.saveTasks(ctx, &tasks), c.saveCheckpoint(ctx, collection, checkedAt))
			ch.Advance()
		},
	)

	if err != nil {
		log.WithError(err).Error("Check failed")
		return nil, fmt.Errorf("check %s: %w", collection, err)
	}

	result.Tasks = len(tasks)
	log.WithFields(map[string]interface{}{
		"ids":   result.IDs,
		"tasks": result.Tasks,
		"full":  result.Full(),
	}).Info("Checked collection")

	c.emit(Event{
		Type:       EventChecked,
		Collection: collection,
		Message:    fmt.Sprintf("%d ids in %d tasks", result.IDs, result.Tasks),
	})
	return result, nil
}

// CheckAll checks every configured collection. A failing collection does
// not stop the others; the results cover the ones that succeeded and the
// error joins every failure.
func (c *Coordinator) CheckAll(ctx context.Context) ([]*CheckResult, error) {
	results := make([]*CheckResult, 0, len(c.opts.Collections))
	var errs []error
	for _, collection := range c.opts.Collections {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		r, err := c.Check(ctx, collection)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, r)
	}
	return results, errors.Join(errs...)
}

func (c *Coordinator) newBatch(collection string, ids int) models.SyncTask {
	c.mu.Lock()
	created := c.now().UnixMilli()
	if created <= c.lastBatch {
		created = c.lastBatch + 1
	}
	c.lastBatch = created
	c.mu.Unlock()

	return models.SyncTask{
		BatchUUID:    uuid.NewString(),
		BatchTotal:   (ids + c.opts.ChunkSize - 1) / c.opts.ChunkSize,
		BatchCreated: created,
		Collection:   collection,
	}
}

func (c *Coordinator) saveTasks(ctx context.Context, tasks *[]models.Stored) chain.Step {
	return func(ch *chain.Chain, _ ...interface{}) {
		if len(*tasks) == 0 {
			ch.Advance()
			return
		}
		table, err := c.ledger.Table(ctx, models.TaskSchema())
		if err != nil {
			ch.Fail(err)
			return
		}
		if _, err := table.Save(ctx, *tasks...); err != nil {
			ch.Fail(err)
			return
		}
		ch.Advance()
	}
}

func (c *Coordinator) saveCheckpoint(ctx context.Context, collection string, checkedAt time.Time) chain.Step {
	return func(ch *chain.Chain, _ ...interface{}) {
		table, err := c.ledger.Table(ctx, models.CheckpointSchema())
		if err != nil {
			ch.Fail(err)
			return
		}
		row, err := ledger.NewRow(collection, models.Checkpoint{
			Collection:  collection,
			LastChecked: models.TimeToSeconds(checkedAt),
		})
		if err != nil {
			ch.Fail(err)
			return
		}
		if _, err := table.Save(ctx, row); err != nil {
			ch.Fail(err)
			return
		}
		ch.Advance()
	}
}

func (c *Coordinator) checkpoint(ctx context.Context, collection string) (*models.Checkpoint, error) {
	table, err := c.ledger.Table(ctx, models.CheckpointSchema())
	if err != nil {
		return nil, err
	}
	row, err := table.FindByUUID(ctx, collection)
	if err != nil {
		return nil, err
	}
	var cp models.Checkpoint
	if err := row.Decode(&cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Step drains the next task: fetch, decrypt and store its records, then
// mark it processed. A failure leaves the task unprocessed.
func (c *Coordinator) Step(ctx context.Context) (*Progress, error) {
	tasks, err := c.ledger.Table(ctx, models.TaskSchema())
	if err != nil {
		return nil, err
	}

	rows, err := tasks.Query(ctx, nextTaskQuery)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrQueueEmpty
	}

	taskRow := rows[0]
	var task models.SyncTask
	if err := taskRow.Decode(&task); err != nil {
		return nil, err
	}

	fail := func(phase string, err error) (*Progress, error) {
		return nil, &models.TaskFailure{
			TaskUUID:   taskRow.RowUUID,
			BatchUUID:  task.BatchUUID,
			BatchIndex: task.BatchIndex,
			Collection: task.Collection,
			Phase:      phase,
			Err:        err,
		}
	}

	kind, err := models.ParseKind(task.Collection)
	if err != nil {
		return fail("decode", err)
	}

	var envelopes []*models.Envelope
	err = c.retry.do(ctx, "fetch records", func() error {
		var err error
		envelopes, err = c.remote.FetchFull(ctx, task.Collection, task.Chunk)
		return err
	})
	if err != nil {
		return fail("fetch", err)
	}

	progress := &Progress{
		Collection: task.Collection,
		BatchUUID:  task.BatchUUID,
		BatchIndex: task.BatchIndex,
		BatchTotal: task.BatchTotal,
	}

	records := make([]models.Stored, 0, len(envelopes))
	for _, env := range envelopes {
		record, err := c.decrypter.DecryptRecord(ctx, kind, env)
		if errors.Is(err, models.ErrMalformedEnvelope) {
			c.logger.WithError(err).WithField("id", env.ID).Warn("Dropping unreadable record")
			progress.Skipped++
			continue
		}
		if err != nil {
			return fail("decrypt", err)
		}
		records = append(records, record)
	}

	store, err := c.ledger.Table(ctx, kind.Schema())
	if err != nil {
		return fail("save", err)
	}
	if _, err := store.Save(ctx, records...); err != nil {
		return fail("save", err)
	}
	progress.Records = len(records)

	processed := c.now().UnixMilli()
	task.Processed = &processed
	marked, err := ledger.NewRow(taskRow.RowUUID, task)
	if err != nil {
		return fail("mark", err)
	}
	if _, err := tasks.Save(ctx, marked); err != nil {
		return fail("mark", err)
	}

	if progress.Pending, err = tasks.Count(ctx, "processed IS NULL"); err != nil {
		return fail("mark", err)
	}

	c.logger.WithFields(map[string]interface{}{
		"collection":  task.Collection,
		"batch":       task.BatchUUID,
		"batch_index": task.BatchIndex,
		"records":     progress.Records,
		"skipped":     progress.Skipped,
		"pending":     progress.Pending,
	}).Debug("Task processed")

	c.emit(Event{
		Type:       EventProgress,
		Collection: task.Collection,
		Message: fmt.Sprintf("%s %d/%d: %d records",
			task.Collection, task.BatchIndex+1, task.BatchTotal, progress.Records),
		Progress: progress,
	})
	return progress, nil
}

// Start drains the queue until it is empty, Stop is called or a step
// fails. It blocks until then. Stop takes effect between steps only.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return models.ErrSyncInProgress
	}
	c.running = true
	done := make(chan struct{})
	c.done = done
	c.stop.Store(false)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.done = nil
		c.mu.Unlock()
		close(done)
	}()

	c.logger.Info("Sync started")
	c.emit(Event{Type: EventRunning})

	var loop chain.Step
	loop = func(ch *chain.Chain, _ ...interface{}) {
		if c.stop.Load() || ctx.Err() != nil {
			ch.Advance(EventStopped)
			return
		}
		_, err := c.Step(ctx)
		switch {
		case errors.Is(err, ErrQueueEmpty):
			ch.Advance(EventFinished)
		case err != nil:
			ch.Fail(err)
		default:
			ch.Push(loop)
			ch.Advance()
		}
	}

	// The loop watches ctx itself so a cancelled sync still reports stopped.
	results, err := chain.Run(context.WithoutCancel(ctx), loop)
	if err != nil && ctx.Err() == nil {
		c.logger.WithError(err).Error("Sync failed")
		c.emit(Event{Type: EventFailed, Err: err})
		return err
	}

	outcome := EventStopped
	if err == nil {
		outcome = results[0].(EventType)
	}
	c.logger.WithField("outcome", outcome).Info("Sync ended")
	c.emit(Event{Type: outcome})

	if outcome == EventStopped && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// Stop asks a running Start to return after the current step.
func (c *Coordinator) Stop() {
	c.stop.Store(true)
	c.logger.Info("Stop requested")
}

// Wait blocks until a running Start has returned.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether Start is draining the queue.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// CollectionStatus reports local state for one collection.
type CollectionStatus struct {
	Collection  string     `json:"collection"`
	LastChecked *time.Time `json:"last_checked,omitempty"`
	Pending     int        `json:"pending_tasks"`
	Processed   int        `json:"processed_tasks"`
	Rows        int        `json:"rows"`
}

// Status reports checkpoints, task counts and stored rows per collection.
func (c *Coordinator) Status(ctx context.Context) ([]CollectionStatus, error) {
	tasks, err := c.ledger.Table(ctx, models.TaskSchema())
	if err != nil {
		return nil, err
	}

	statuses := make([]CollectionStatus, 0, len(c.opts.Collections))
	for _, collection := range c.opts.Collections {
		kind, err := models.ParseKind(collection)
		if err != nil {
			return nil, err
		}
		st := CollectionStatus{Collection: collection}

		cp, err := c.checkpoint(ctx, collection)
		switch {
		case err == nil:
			t := cp.LastCheckedTime()
			st.LastChecked = &t
		case !errors.Is(err, models.ErrNotFound):
			return nil, err
		}

		if st.Pending, err = tasks.Count(ctx, "collection = ? AND processed IS NULL", collection); err != nil {
			return nil, err
		}
		if st.Processed, err = tasks.Count(ctx, "collection = ? AND processed IS NOT NULL", collection); err != nil {
			return nil, err
		}

		table, err := c.ledger.Table(ctx, kind.Schema())
		if err != nil {
			return nil, err
		}
		if st.Rows, err = table.Count(ctx, ""); err != nil {
			return nil, err
		}

		statuses = append(statuses, st)
	}
	return statuses, nil
}

// Reset clears tasks, checkpoints and the configured record tables.
func (c *Coordinator) Reset(ctx context.Context) error {
	if c.Running() {
		return models.ErrSyncInProgress
	}

	schemas := []models.Schema{models.TaskSchema(), models.CheckpointSchema()}
	for _, collection := range c.opts.Collections {
		kind, err := models.ParseKind(collection)
		if err != nil {
			return err
		}
		schemas = append(schemas, kind.Schema())
	}

	for _, s := range schemas {
		table, err := c.ledger.Table(ctx, s)
		if err != nil {
			return err
		}
		if err := table.Reset(ctx); err != nil {
			return err
		}
	}

	c.logger.Info("Sync state reset")
	return nil
}
