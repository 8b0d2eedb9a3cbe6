// Package service provides the top level task runner. Combines the store, pipeline
// executors, resource guard, retention cleanup and notifications together.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/modeleval/modeleval/app/conditions"
	"github.com/modeleval/modeleval/app/store"
	"github.com/modeleval/modeleval/app/web/enums"
	"github.com/modeleval/modeleval/app/workflow"
)

// ErrQueueFull returned by Submit when the pending queue has no room.
var ErrQueueFull = errors.New("task queue is full")

// Runner is the top-level service accepting tasks and executing them with bound
// concurrency. Fields are set by the caller before Run.
type Runner struct {
	Store            Store
	Executors        map[enums.TaskType]Executor
	Concurrency      int
	QueueSize        int
	Conditions       conditions.Config
	ConditionChecker ConditionChecker
	CheckInterval    time.Duration // conditions re-check interval while postponed
	MaxPostpone      time.Duration // how long a task may wait for conditions, 0 fails immediately
	Notifier         Notifier
	NotifyTimeout    time.Duration
	Workflow         WorkflowMarker
	HostName         string
	DeDup            Dedupper
	Retention        time.Duration // terminal tasks older than this removed, 0 disables
	RetentionSpec    string        // cron spec for cleanup runs
	Cron             Cron

	submitCh chan string
	once     sync.Once
}

// Store defines persistence operations used by the runner.
type Store interface {
	SaveTask(ctx context.Context, task store.Task) error
	GetTask(ctx context.Context, id string) (store.Task, error)
	SetStatus(ctx context.Context, id string, status enums.TaskStatus, errMsg string) error
	UpdateProgress(ctx context.Context, id string, upd store.ProgressUpdate) error
	SetResult(ctx context.Context, id string, result json.RawMessage) error
	AppendLog(ctx context.Context, taskID, level, message string) error
	MarkInterrupted(ctx context.Context) (int64, error)
	DeleteTasksBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Executor runs a single task kind and produces its result payload.
type Executor interface {
	Execute(ctx context.Context, task store.Task, report func(store.ProgressUpdate)) (result json.RawMessage, message string, err error)
}

// Notifier interface defines notification delivery on finished tasks
type Notifier interface {
	Send(ctx context.Context, subj, text string) error
	IsOnError() bool
	IsOnCompletion() bool
	MakeErrorHTML(task store.Task) (string, error)
	MakeCompletionHTML(task store.Task) (string, error)
}

// Dedupper defines a locking primitive to register/unregister task keys in order to prevent dbl submission
type Dedupper interface {
	Add(key string) bool
	Remove(key string)
}

// ConditionChecker defines interface for checking resource conditions before task start
type ConditionChecker interface {
	Check(conditions conditions.Config) (bool, string)
}

// WorkflowMarker records section completion after a successful task.
type WorkflowMarker interface {
	MarkCompleted(ctx context.Context, section, taskID string) error
}

// Cron interface defines basic robfig/cron methods used for retention cleanup
type Cron interface {
	Start()
	Stop() context.Context
	AddFunc(spec string, cmd func()) (cron.EntryID, error)
}

// Run starts the blocking execution loop. Flips tasks left in pending or
// processing state to interrupted, then consumes the submit queue until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	if r.Concurrency <= 0 {
		r.Concurrency = 2
	}
	if r.CheckInterval <= 0 {
		r.CheckInterval = 30 * time.Second
	}
	if r.NotifyTimeout <= 0 {
		r.NotifyTimeout = 30 * time.Second
	}

	if n, err := r.Store.MarkInterrupted(ctx); err != nil {
		log.Printf("[WARN] failed to mark interrupted tasks, %v", err)
	} else if n > 0 {
		log.Printf("[INFO] marked %d tasks interrupted by restart", n)
	}

	if r.Retention > 0 && r.Cron != nil {
		spec := r.RetentionSpec
		if spec == "" {
			spec = "0 3 * * *"
		}
		if _, err := r.Cron.AddFunc(spec, func() { r.cleanup(ctx) }); err != nil {
			return fmt.Errorf("can't schedule retention cleanup %q: %w", spec, err)
		}
		r.Cron.Start()
		log.Printf("[INFO] retention cleanup scheduled %q, keep for %v", spec, r.Retention)
	}

	grp := syncs.NewSizedGroup(r.Concurrency, syncs.Context(ctx))
	log.Printf("[INFO] task runner started, concurrency %d", r.Concurrency)

	for {
		select {
		case <-ctx.Done():
			log.Print("[DEBUG] terminate")
			if r.Cron != nil {
				<-r.Cron.Stop().Done()
			}
			grp.Wait()
			return ctx.Err()
		case id := <-r.queue():
			grp.Go(func(gctx context.Context) {
				r.execute(gctx, id)
			})
		}
	}
}

// Submit persists a new task and puts it on the execution queue.
func (r *Runner) Submit(ctx context.Context, task store.Task) (store.Task, error) {
	if _, ok := r.Executors[task.Type]; !ok {
		return store.Task{}, fmt.Errorf("no executor for task type %q", task.Type)
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.Status = enums.TaskStatusPending
	task.Progress = 0
	task.CreatedAt = time.Now()

	if r.DeDup != nil && !r.DeDup.Add(r.dedupKey(task)) {
		return store.Task{}, fmt.Errorf("duplicated task %q ignored", r.dedupKey(task))
	}

	if err := r.Store.SaveTask(ctx, task); err != nil {
		if r.DeDup != nil {
			r.DeDup.Remove(r.dedupKey(task))
		}
		return store.Task{}, fmt.Errorf("failed to save task: %w", err)
	}

	select {
	case r.queue() <- task.ID:
	default:
		if r.DeDup != nil {
			r.DeDup.Remove(r.dedupKey(task))
		}
		if err := r.Store.SetStatus(ctx, task.ID, enums.TaskStatusFailed, ErrQueueFull.Error()); err != nil {
			log.Printf("[WARN] failed to fail queued-out task %s, %v", task.ID, err)
		}
		return store.Task{}, ErrQueueFull
	}

	log.Printf("[INFO] submitted task %s, type %s", task.ID, task.Type)
	return task, nil
}

func (r *Runner) queue() chan string {
	r.once.Do(func() {
		size := r.QueueSize
		if size <= 0 {
			size = 100
		}
		r.submitCh = make(chan string, size)
	})
	return r.submitCh
}

func (r *Runner) dedupKey(task store.Task) string {
	return task.Type.String() + "#" + strings.Join(task.SourceFiles, ",")
}

func (r *Runner) execute(ctx context.Context, id string) {
	task, err := r.Store.GetTask(ctx, id)
	if err != nil {
		log.Printf("[WARN] can't load task %s, %v", id, err)
		return
	}
	if r.DeDup != nil {
		defer r.DeDup.Remove(r.dedupKey(task))
	}

	if !r.Conditions.Empty() && r.ConditionChecker != nil {
		if ok, reason := r.waitForConditions(ctx, task.ID); !ok {
			log.Printf("[INFO] task skipped: %s, reason: %s", task.ID, reason)
			if e := r.Store.SetStatus(ctx, id, enums.TaskStatusFailed, "resource conditions not met: "+reason); e != nil {
				log.Printf("[WARN] failed to set status for %s, %v", id, e)
			}
			return
		}
	}

	if err = r.Store.SetStatus(ctx, id, enums.TaskStatusProcessing, ""); err != nil {
		log.Printf("[WARN] failed to set status for %s, %v", id, err)
		return
	}
	r.log(ctx, id, "info", fmt.Sprintf("task started, type %s", task.Type))
	log.Printf("[INFO] executing task %s, type %s", id, task.Type)

	report := func(upd store.ProgressUpdate) {
		if e := r.Store.UpdateProgress(ctx, id, upd); e != nil {
			log.Printf("[WARN] failed to update progress for %s, %v", id, e)
		}
		if upd.Message != "" {
			r.log(ctx, id, "info", upd.Message)
		}
	}

	result, message, err := r.Executors[task.Type].Execute(ctx, task, report)
	if err != nil {
		status := enums.TaskStatusFailed
		if errors.Is(err, context.Canceled) {
			status = enums.TaskStatusInterrupted
		}
		log.Printf("[WARN] task failed: %s, %v", id, err)
		r.log(ctx, id, "error", err.Error())
		if e := r.Store.SetStatus(ctx, id, status, err.Error()); e != nil {
			log.Printf("[WARN] failed to set status for %s, %v", id, e)
		}
		task.Status, task.Error = status, err.Error()
		r.notify(ctx, task, err.Error())
		return
	}

	if err = r.Store.SetResult(ctx, id, result); err != nil {
		log.Printf("[WARN] failed to save result for %s, %v", id, err)
	}
	if message != "" {
		report(store.ProgressUpdate{Progress: 100, Message: message})
	}
	if err = r.Store.SetStatus(ctx, id, enums.TaskStatusCompleted, ""); err != nil {
		log.Printf("[WARN] failed to set status for %s, %v", id, err)
	}
	r.log(ctx, id, "info", "task completed")
	log.Printf("[INFO] completed task %s", id)

	if r.Workflow != nil {
		if section := sectionForType(task.Type); section != "" {
			if e := r.Workflow.MarkCompleted(ctx, section, id); e != nil {
				log.Printf("[WARN] failed to mark workflow section %s, %v", section, e)
			}
		}
	}

	task.Status, task.Message = enums.TaskStatusCompleted, message
	r.notify(ctx, task, "")
}

// waitForConditions checks resource conditions, postponing execution up to MaxPostpone.
// Returns false with reason if the task should be skipped.
func (r *Runner) waitForConditions(ctx context.Context, taskID string) (bool, string) {
	met, reason := r.ConditionChecker.Check(r.Conditions)
	if met {
		return true, ""
	}

	if r.MaxPostpone <= 0 {
		return false, reason
	}

	deadline := time.Now().Add(r.MaxPostpone)
	log.Printf("[INFO] task postponed: %s, reason: %s, deadline: %s",
		taskID, reason, deadline.Format(time.RFC3339))

	ticker := time.NewTicker(r.CheckInterval)
	defer ticker.Stop()
	deadlineTimer := time.NewTimer(r.MaxPostpone)
	defer deadlineTimer.Stop()

	for {
		select {
		case <-ticker.C:
			met, reason = r.ConditionChecker.Check(r.Conditions)
			if met {
				log.Printf("[INFO] conditions met, executing postponed task: %s", taskID)
				return true, ""
			}
			log.Printf("[DEBUG] conditions not met yet: %s, reason: %s", taskID, reason)
		case <-deadlineTimer.C:
			log.Printf("[WARN] max postpone reached, executing anyway: %s", taskID)
			return true, ""
		case <-ctx.Done():
			return false, "canceled while postponed"
		}
	}
}

func (r *Runner) notify(ctx context.Context, task store.Task, errMsg string) {
	if r.Notifier == nil || reflect.ValueOf(r.Notifier).IsNil() {
		return
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, r.NotifyTimeout)
	defer cancel()

	if errMsg != "" && r.Notifier.IsOnError() {
		msg, err := r.Notifier.MakeErrorHTML(task)
		if err != nil {
			log.Printf("[WARN] can't make html message, %v", err)
			return
		}
		if err := r.Notifier.Send(ctxTimeout, fmt.Sprintf("failed task %s on %s", task.ID, r.HostName), msg); err != nil {
			log.Printf("[WARN] failed to send error notification, %v", err)
		}
		return
	}

	if errMsg == "" && r.Notifier.IsOnCompletion() {
		msg, err := r.Notifier.MakeCompletionHTML(task)
		if err != nil {
			log.Printf("[WARN] can't make html message, %v", err)
			return
		}
		if err := r.Notifier.Send(ctxTimeout, fmt.Sprintf("completed task %s on %s", task.ID, r.HostName), msg); err != nil {
			log.Printf("[WARN] failed to send completion notification, %v", err)
		}
	}
}

func (r *Runner) cleanup(ctx context.Context) {
	cutoff := time.Now().Add(-r.Retention)
	n, err := r.Store.DeleteTasksBefore(ctx, cutoff)
	if err != nil {
		log.Printf("[WARN] retention cleanup failed, %v", err)
		return
	}
	if n > 0 {
		log.Printf("[INFO] retention cleanup removed %d tasks older than %s", n, cutoff.Format(time.RFC3339))
	}
}

func (r *Runner) log(ctx context.Context, taskID, level, message string) {
	if err := r.Store.AppendLog(ctx, taskID, level, message); err != nil {
		log.Printf("[WARN] failed to append log for %s, %v", taskID, err)
	}
}

func sectionForType(t enums.TaskType) string {
	switch t {
	case enums.TaskTypeQA:
		return workflow.SectionQA
	case enums.TaskTypeEvaluation:
		return workflow.SectionEvaluation
	}
	return ""
}
