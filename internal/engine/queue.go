package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rokfor/writersync/internal/rokfor"
)

var errNoRemoteID = errors.New("contribution has no remote id")

// SyncWorker drains the shared change queue and performs the matching remote
// operation per event. A single-flight guard keeps at most one dispatch
// episode running; pushes during an episode append to the tail and return.
// A failed remote call is logged and the event is still removed — there is
// no retry or requeue.
type SyncWorker struct {
	store    DocumentStore
	remote   RemoteBackend
	locks    *LockMap
	logger   Logger
	activity *ActivityFeed
	template string
	chapter  int
	baseCtx  context.Context

	mu          sync.Mutex
	queue       []ChangeEvent
	dispatching bool
}

type SyncWorkerOptions struct {
	Store    DocumentStore
	Remote   RemoteBackend
	Locks    *LockMap
	Logger   Logger
	Activity *ActivityFeed
	Template string
	Chapter  int
	// Context bounds the lifetime of remote calls issued by dispatch loops.
	Context context.Context
}

func NewSyncWorker(opts SyncWorkerOptions) *SyncWorker {
	baseCtx := opts.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	locks := opts.Locks
	if locks == nil {
		locks, _ = NewLockMap(nil)
	}
	return &SyncWorker{
		store:    opts.Store,
		remote:   opts.Remote,
		locks:    locks,
		logger:   opts.Logger,
		activity: opts.Activity,
		template: opts.Template,
		chapter:  opts.Chapter,
		baseCtx:  baseCtx,
	}
}

func (w *SyncWorker) Locks() *LockMap {
	return w.locks
}

// Push appends the event in arrival order and starts a dispatch loop unless
// one is already running.
func (w *SyncWorker) Push(ev ChangeEvent) {
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	if w.dispatching {
		w.mu.Unlock()
		return
	}
	w.dispatching = true
	w.mu.Unlock()
	go w.drain()
}

func (w *SyncWorker) Depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// WaitIdle blocks until the queue is drained and no dispatch episode is
// running, or the timeout elapses.
func (w *SyncWorker) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		w.mu.Lock()
		idle := len(w.queue) == 0 && !w.dispatching
		w.mu.Unlock()
		if idle {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (w *SyncWorker) drain() {
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.dispatching = false
			w.mu.Unlock()
			return
		}
		ev := w.queue[0]
		w.mu.Unlock()

		w.dispatch(ev)

		w.mu.Lock()
		w.queue = w.queue[1:]
		w.mu.Unlock()
	}
}

func (w *SyncWorker) dispatch(ev ChangeEvent) {
	ctx := w.baseCtx
	switch {
	case ev.Deleted:
		w.dispatchDelete(ctx, ev)
	case ev.Kind == KindIssueOptions:
		w.dispatchIssueOptions(ctx, ev)
	case ev.Kind == KindExportRecord:
		// Export records are write-only artifacts of a prior job.
	default:
		w.dispatchContribution(ctx, ev)
	}
}

// Deletes are fire-and-forget: the outcome is logged and the event dropped
// regardless of success.
func (w *SyncWorker) dispatchDelete(ctx context.Context, ev ChangeEvent) {
	remoteID := ev.Payload.ContributionID
	if claimed, ok := w.locks.Claim(ev.DocumentID); ok {
		remoteID = claimed
	}
	if remoteID <= 0 {
		w.logf("delete %s/%s skipped: no remote id", ev.SourceDB, ev.DocumentID)
		return
	}
	if err := w.remote.DeleteContribution(ctx, remoteID); err != nil {
		w.logf("delete contribution %d failed: %v", remoteID, err)
		w.publish(ev, "delete", "failed", err.Error())
		return
	}
	w.publish(ev, "delete", "ok", "")
}

func (w *SyncWorker) dispatchIssueOptions(ctx context.Context, ev ChangeEvent) {
	if ev.Payload.IssueID == 0 {
		return
	}
	if err := w.remote.UpdateIssue(ctx, ev.Payload.IssueID, ev.Payload.Name, ev.Payload.Options); err != nil {
		w.logf("update issue %d failed: %v", ev.Payload.IssueID, err)
		w.publish(ev, "issue-update", "failed", err.Error())
		return
	}
	w.publish(ev, "issue-update", "ok", "")
}

func (w *SyncWorker) dispatchContribution(ctx context.Context, ev ChangeEvent) {
	targetID, claimed := w.locks.Claim(ev.DocumentID)
	if !claimed {
		targetID = ev.Payload.ContributionID
	}
	err := w.updateContribution(ctx, targetID, ev)
	if err == nil {
		w.publish(ev, "contribution-update", "ok", "")
		return
	}
	if !errors.Is(err, errNoRemoteID) && !rokfor.IsNotFound(err) {
		w.logf("update contribution %d failed: %v", targetID, err)
		w.publish(ev, "contribution-update", "failed", err.Error())
		return
	}

	newID, createErr := w.remote.CreateContribution(ctx, rokfor.ContributionCreate{
		Template: w.template,
		Name:     ev.Payload.Name,
		Chapter:  w.chapter,
		Issue:    ev.Payload.IssueRef,
		Status:   "Draft",
	})
	if createErr != nil {
		w.logf("create contribution for %s/%s failed: %v", ev.SourceDB, ev.DocumentID, createErr)
		w.publish(ev, "contribution-create", "failed", createErr.Error())
		return
	}
	// Claim immediately so queued changes for the same document update the
	// new id instead of creating a second contribution.
	w.locks.SetClaim(ev.DocumentID, newID)
	w.writeBackRemoteID(ctx, ev, newID)
	if err := w.updateContribution(ctx, newID, ev); err != nil {
		w.logf("update after create (contribution %d) failed: %v", newID, err)
		w.publish(ev, "contribution-create", "failed", err.Error())
		return
	}
	w.publish(ev, "contribution-create", "ok", "")
}

func (w *SyncWorker) updateContribution(ctx context.Context, targetID int64, ev ChangeEvent) error {
	if targetID <= 0 {
		return errNoRemoteID
	}
	return w.remote.UpdateContribution(ctx, targetID, rokfor.ContributionUpdate{
		Name:   ev.Payload.Name,
		Sort:   ev.Payload.Sort,
		Status: "Draft",
		Data: rokfor.ContributionData{
			Title:        ev.Payload.Title,
			Body:         ev.Payload.Body,
			CouchID:      ev.DocumentID,
			CouchVersion: revisionVersion(ev.Revision),
		},
	})
}

// writeBackRemoteID persists the negotiated remote id into the local
// document so future change feeds carry it.
func (w *SyncWorker) writeBackRemoteID(ctx context.Context, ev ChangeEvent, remoteID int64) {
	if ev.Payload.ContributionID == remoteID {
		return
	}
	data := map[string]any{}
	for key, value := range ev.Payload.Fields {
		data[key] = value
	}
	data["id"] = remoteID
	patch := map[string]any{"rokforid": remoteID, "data": data}
	if err := w.store.Merge(ctx, ev.SourceDB, ev.DocumentID, patch); err != nil {
		w.logf("write back remote id %d into %s/%s failed: %v", remoteID, ev.SourceDB, ev.DocumentID, err)
	}
}

func (w *SyncWorker) publish(ev ChangeEvent, kind, outcome, detail string) {
	w.activity.Publish(Activity{
		Kind:       kind,
		Database:   ev.SourceDB,
		DocumentID: ev.DocumentID,
		Outcome:    outcome,
		Detail:     detail,
	})
}

func (w *SyncWorker) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
