// Package scheduler implements C5: the worker pool, its pending/paused
// FIFO queues, admission against per-task network preference, and
// network-triggered resumption. Grounded on the teacher's
// internal/queue package (DownloadQueue, SmartScheduler), generalized
// from host-concurrency-only admission to the full spec task model.
package scheduler

import (
	"container/list"
	"context"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"time"

	"project-tachyon/internal/analytics"
	"project-tachyon/internal/filesystem"
	"project-tachyon/internal/network"
	"project-tachyon/internal/security"
	"project-tachyon/internal/storage"
	"project-tachyon/internal/taskstate"
	"project-tachyon/internal/transfer"
)

// Config is the spec's §4.4 configuration table.
type Config struct {
	WorkerPoolSize  int
	PollingInterval time.Duration
	RetryBudget     int
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	RetentionWindow time.Duration
}

// DefaultConfig matches the teacher's SmartScheduler defaults, generalized
// to the full table.
func DefaultConfig() Config {
	return Config{
		WorkerPoolSize:  4,
		PollingInterval: 2 * time.Second,
		RetryBudget:     3,
		ConnectTimeout:  60 * time.Second,
		ReadTimeout:     30 * time.Second,
		RetentionWindow: 30 * 24 * time.Hour,
	}
}

// Attempt is one runnable unit handed to a worker: the task row, its state
// machine, and its force-stop flag.
type Attempt struct {
	Task    *storage.TaskRecord
	Machine *taskstate.Machine
	Stop    *transfer.ForceStop
}

// EventFunc is how the scheduler reports header/progress/terminal events
// back to the service facade without importing it (avoids an import
// cycle; the facade registers this callback).
type EventFunc func(taskID uint32, kind string, processed, total int64, status int, mimeType, etag, errMsg string)

// Scheduler owns the pending and paused FIFO queues and the bounded worker
// pool draining them. One Scheduler serves the whole process; task rows
// flow through it, not goroutines per task beyond the pool size.
type Scheduler struct {
	logger  *slog.Logger
	cfg     Config
	store   *storage.Storage
	engine  *transfer.Engine
	network *network.Observer
	onEvent EventFunc

	scanner        security.Scanner
	integrityCheck func() bool
	stats          *analytics.StatsManager
	organizer      *filesystem.SmartOrganizer

	mu          sync.Mutex
	pending     *list.List // *queueItem, FIFO, priority-sorted on insert
	paused      map[uint32]*queueItem
	active      map[uint32]*transfer.ForceStop
	activeCount int
	hostActive  map[string]int
	hostLimits  map[string]int

	wake   chan struct{}
	cancel context.CancelFunc
}

type queueItem struct {
	task     *storage.TaskRecord
	machine  *taskstate.Machine
	priority int
}

// New constructs a Scheduler. store/engine/observer are shared singletons
// owned by the service facade.
func New(logger *slog.Logger, cfg Config, store *storage.Storage, engine *transfer.Engine, observer *network.Observer, onEvent EventFunc) *Scheduler {
	return &Scheduler{
		logger:     logger,
		cfg:        cfg,
		store:      store,
		engine:     engine,
		network:    observer,
		onEvent:    onEvent,
		pending:    list.New(),
		paused:     make(map[uint32]*queueItem),
		active:     make(map[uint32]*transfer.ForceStop),
		hostActive: make(map[string]int),
		hostLimits: make(map[string]int),
		wake:       make(chan struct{}, 1),
	}
}

// SetEventFunc binds the progress/terminal event callback after
// construction, letting the service facade (which itself depends on the
// scheduler) register itself without an import cycle.
func (s *Scheduler) SetEventFunc(fn EventFunc) {
	s.onEvent = fn
}

// SetHostLimit bounds concurrent active tasks per host (0 = unlimited),
// grounded on the teacher's SmartScheduler.SetHostLimit.
func (s *Scheduler) SetHostLimit(host string, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hostLimits[host] = limit
}

// SetScanner wires a post-download integrity scan in, gated by enabled()
// (bound at wiring time to config.Manager.GetEnableIntegrityCheck). Only
// completed downloads with a destination file on disk are scanned.
func (s *Scheduler) SetScanner(scanner security.Scanner, enabled func() bool) {
	s.scanner = scanner
	s.integrityCheck = enabled
}

// SetStats wires the lifetime/daily download counters in, grounded on the
// teacher's StatsManager.TrackDownloadBytes/TrackFileCompleted pattern.
func (s *Scheduler) SetStats(stats *analytics.StatsManager) {
	s.stats = stats
}

// SetOrganizer wires automatic category-folder sorting of completed
// downloads in, grounded on the teacher's SmartOrganizer.
func (s *Scheduler) SetOrganizer(organizer *filesystem.SmartOrganizer) {
	s.organizer = organizer
}

// Start launches the worker pool and the network-resume listener.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for i := 0; i < s.cfg.WorkerPoolSize; i++ {
		go s.workerLoop(ctx, i)
	}
	go s.networkResumeLoop(ctx)
	go s.pollLoop(ctx)
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Submit enqueues a freshly-created task for admission, moving it from
// created to waiting.
func (s *Scheduler) Submit(task *storage.TaskRecord, machine *taskstate.Machine) {
	status, err := machine.Fire(taskstate.EventAdmitted, taskstate.ReasonNone)
	if err != nil {
		s.logger.Warn("invalid transition on submit", "task_id", task.TaskID, "err", err)
		return
	}
	task.Status = string(status)

	s.mu.Lock()
	s.pending.PushBack(&queueItem{task: task, machine: machine, priority: task.Priority})
	s.mu.Unlock()
	s.wakeWorkers()
}

// Rehydrate re-admits rows loaded at startup via
// storage.LoadAllResumable, run once before Start (spec §4.1/§8 "survive
// reboots"). waiting/created rows go back into the pending queue in
// their persisted order; paused rows are parked without re-admission,
// left for an explicit Resume or the network-resume loop to pick up.
func (s *Scheduler) Rehydrate(rows []storage.TaskRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range rows {
		task := &rows[i]
		machine := taskstate.Restore(taskstate.Status(task.Status), taskstate.Reason(task.Reason), task.Tries, task.RetryBudget)
		item := &queueItem{task: task, machine: machine, priority: task.Priority}

		switch taskstate.Status(task.Status) {
		case taskstate.Paused:
			s.paused[task.TaskID] = item
		default:
			// created, waiting: re-admit into the pending queue.
			s.pending.PushBack(item)
		}
	}
	s.wakeWorkers()
}

// Pause moves a running task's force-stop flag to the paused state and
// removes it from the active set; the worker observes the flag on its next
// progress tick and exits the attempt cleanly.
func (s *Scheduler) Pause(taskID uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	stop, ok := s.active[taskID]
	if !ok {
		return false
	}
	stop.Set(false)
	return true
}

// Remove marks a task for removal: if active, the worker stops and deletes
// partial state; if only queued, it is dropped from the pending/paused
// queues immediately.
func (s *Scheduler) Remove(taskID uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stop, ok := s.active[taskID]; ok {
		stop.Set(true)
		return true
	}
	if removeFromList(s.pending, taskID) {
		return true
	}
	if _, ok := s.paused[taskID]; ok {
		delete(s.paused, taskID)
		return true
	}
	return false
}

// Resume re-admits a paused task into the pending queue.
func (s *Scheduler) Resume(taskID uint32) bool {
	return s.resume(taskID, taskstate.EventUserResume)
}

func (s *Scheduler) resume(taskID uint32, event taskstate.Event) bool {
	s.mu.Lock()
	item, ok := s.paused[taskID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.paused, taskID)
	s.mu.Unlock()

	status, err := item.machine.Fire(event, taskstate.ReasonNone)
	if err != nil {
		s.logger.Warn("invalid transition on resume", "task_id", taskID, "err", err)
		return false
	}
	item.task.Status = string(status)

	s.mu.Lock()
	s.pending.PushBack(item)
	s.mu.Unlock()
	s.wakeWorkers()
	return true
}

func (s *Scheduler) wakeWorkers() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func removeFromList(l *list.List, taskID uint32) bool {
	for e := l.Front(); e != nil; e = e.Next() {
		if e.Value.(*queueItem).task.TaskID == taskID {
			l.Remove(e)
			return true
		}
	}
	return false
}

// workerLoop is one slot in the bounded pool: pull an admissible task,
// run one attempt to completion/pause/failure, repeat.
func (s *Scheduler) workerLoop(ctx context.Context, slot int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-time.After(s.cfg.PollingInterval):
		}

		item := s.admitNext()
		if item == nil {
			continue
		}
		s.runAttempt(ctx, item)
	}
}

// admitNext scans the pending queue for the first task whose network
// preference is currently satisfiable and whose host hasn't hit its
// concurrency limit, grounded on SmartScheduler.GetNextTask's "skip
// ineligible head-of-line" behavior.
func (s *Scheduler) admitNext() *queueItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeCount >= s.cfg.WorkerPoolSize {
		return nil
	}

	netCap := s.network.Snapshot()
	for e := s.pending.Front(); e != nil; e = e.Next() {
		item := e.Value.(*queueItem)
		if !netCap.Satisfies(item.task.NetworkPreference, item.task.AllowMetered, item.task.AllowRoaming) {
			continue
		}
		host := hostOf(item.task.URL)
		if limit := s.hostLimits[host]; limit > 0 && s.hostActive[host] >= limit {
			continue
		}

		s.pending.Remove(e)
		s.activeCount++
		s.hostActive[host]++
		stop := &transfer.ForceStop{}
		s.active[item.task.TaskID] = stop
		return item
	}
	return nil
}

func (s *Scheduler) runAttempt(ctx context.Context, item *queueItem) {
	task := item.task
	host := hostOf(task.URL)

	defer func() {
		s.mu.Lock()
		s.activeCount--
		s.hostActive[host]--
		delete(s.active, task.TaskID)
		s.mu.Unlock()
		s.wakeWorkers()
	}()

	status, _, _ := item.machine.Snapshot()
	startEvent := taskstate.EventWorkerPick
	if status == taskstate.Retrying {
		startEvent = taskstate.EventBackoffElapsed
	}
	if _, err := item.machine.Fire(startEvent, taskstate.ReasonNone); err != nil {
		s.logger.Warn("invalid transition on start", "task_id", task.TaskID, "err", err)
		return
	}

	headers, _ := task.Headers()
	pins, _ := task.Pins()

	var result *transfer.DownloadResult
	if task.Action == "upload" {
		specs, _ := task.FileSpecs()
		result = s.engine.Upload(ctx, transfer.UploadRequest{
			TaskID: task.TaskID, URL: task.URL, Method: task.Method,
			Headers: headers, FileSpecs: specs, Proxy: task.Proxy, Pins: pins,
		}, s.active[task.TaskID], s.progressCallback(task.TaskID), s.fileStatusCallback(task.TaskID))
	} else {
		var prior *transfer.ResumeState
		if extras, _ := task.Extras(); extras != nil {
			if raw, ok := extras["resume_state"]; ok {
				prior, _ = transfer.LoadResumeState(raw)
			}
		}
		result = s.engine.Download(ctx, transfer.DownloadRequest{
			TaskID: task.TaskID, URL: task.URL, FilePath: task.FilePath,
			Headers: headers, Proxy: task.Proxy, Pins: pins,
			FollowRedirects: task.FollowRedirects, Priority: task.Priority, Prior: prior,
			Begins: task.Begins, Ends: task.Ends,
		}, s.active[task.TaskID], s.progressCallback(task.TaskID), s.headerCallback(task.TaskID))
	}

	s.applyOutcome(item, result)
}

func (s *Scheduler) progressCallback(taskID uint32) transfer.ProgressFunc {
	return func(processed, total int64) {
		s.store.Update(taskID, func(t *storage.TaskRecord) {
			t.ProcessedSize = processed
			if total >= 0 {
				t.TotalSize = total
			}
		})
		if s.onEvent != nil {
			s.onEvent(taskID, "progress", processed, total, 0, "", "", "")
		}
	}
}

// headerCallback emits the §6 header_received/response event once the
// engine's attempt learns the response head, ahead of any progress
// events for that attempt (§5's response -> (progress)* -> terminal
// ordering guarantee).
func (s *Scheduler) headerCallback(taskID uint32) transfer.HeaderFunc {
	return func(status int, mimeType, etag, lastModified string) {
		if s.onEvent != nil {
			s.onEvent(taskID, "header_received", 0, -1, status, mimeType, etag, "")
		}
	}
}

// fileStatusCallback emits a response event per completed file of a
// multi-file upload, the upload analogue of headerCallback (spec §6's
// "response line + status + reason" response payload, here one per
// index instead of one per whole attempt).
func (s *Scheduler) fileStatusCallback(taskID uint32) transfer.FileStatusFunc {
	return func(index int, status, reason string) {
		if s.onEvent == nil {
			return
		}
		errMsg := ""
		if status == "failed" {
			errMsg = reason
		}
		s.onEvent(taskID, "response", int64(index), -1, 0, "", "", errMsg)
	}
}

func (s *Scheduler) applyOutcome(item *queueItem, result *transfer.DownloadResult) {
	task := item.task
	switch result.Outcome {
	case transfer.OutcomeCompleted:
		if task.Action == "download" && task.FilePath != "" && s.scanner != nil && s.integrityCheck != nil && s.integrityCheck() {
			if err := s.scanner.ScanFile(context.Background(), task.FilePath); err != nil {
				s.logger.Warn("integrity scan rejected file", "task_id", task.TaskID, "scanner", s.scanner.Name(), "err", err)
				os.Remove(task.FilePath)
				item.machine.Fire(taskstate.EventFatalError, taskstate.ReasonIntegrityFailed)
				s.store.Update(task.TaskID, func(t *storage.TaskRecord) {
					t.Status = string(taskstate.Failed)
					t.Reason = string(taskstate.ReasonIntegrityFailed)
				})
				if s.onEvent != nil {
					s.onEvent(task.TaskID, "failed", result.Processed, result.TotalSize, 0, "", "", err.Error())
				}
				return
			}
		}
		item.machine.Fire(taskstate.EventResponseComplete, taskstate.ReasonNone)
		finalPath := task.FilePath
		if task.Action == "download" && task.FilePath != "" && s.organizer != nil {
			if moved, err := s.organizer.OrganizeFile(task); err != nil {
				s.logger.Warn("smart organize failed", "task_id", task.TaskID, "err", err)
			} else {
				finalPath = moved
			}
		}
		s.store.Update(task.TaskID, func(t *storage.TaskRecord) {
			t.Status = string(taskstate.Completed)
			t.Reason = string(taskstate.ReasonNone)
			t.ProcessedSize = result.Processed
			t.MimeType = result.MimeType
			t.FilePath = finalPath
		})
		if s.stats != nil {
			s.stats.TrackDownloadBytes(result.Processed)
			s.stats.TrackFileCompleted()
		}
		if s.onEvent != nil {
			s.onEvent(task.TaskID, "completed", result.Processed, result.TotalSize, 0, result.MimeType, "", "")
		}
	case transfer.OutcomeRetrying:
		status, err := item.machine.Fire(taskstate.EventTransientError, taskstate.ReasonNone)
		s.persistResume(task, result)
		if err == nil && status == taskstate.Retrying {
			s.requeue(item)
		} else {
			s.finishFailed(task, result)
		}
	case transfer.OutcomePaused:
		item.machine.Fire(taskstate.EventUserPause, taskstate.ReasonUser)
		s.persistResume(task, result)
		s.mu.Lock()
		s.paused[task.TaskID] = item
		s.mu.Unlock()
		if s.onEvent != nil {
			s.onEvent(task.TaskID, "paused", result.Processed, result.TotalSize, 0, "", "", "")
		}
	case transfer.OutcomeRemoved:
		item.machine.Fire(taskstate.EventUserRemove, taskstate.ReasonUser)
		s.store.Delete(task.TaskID, task.UID)
	case transfer.OutcomeFailed:
		item.machine.Fire(taskstate.EventFatalError, taskstate.ReasonNone)
		s.finishFailed(task, result)
	}
}

func (s *Scheduler) persistResume(task *storage.TaskRecord, result *transfer.DownloadResult) {
	if result.ResumeState == nil {
		return
	}
	raw, err := transfer.Serialize(result.ResumeState)
	if err != nil {
		return
	}
	s.store.Update(task.TaskID, func(t *storage.TaskRecord) {
		extras, _ := t.Extras()
		if extras == nil {
			extras = map[string]string{}
		}
		extras["resume_state"] = raw
		t.SetExtras(extras)
		t.ProcessedSize = result.Processed
	})
}

func (s *Scheduler) requeue(item *queueItem) {
	s.mu.Lock()
	s.pending.PushBack(item)
	s.mu.Unlock()
	s.wakeWorkers()
}

func (s *Scheduler) finishFailed(task *storage.TaskRecord, result *transfer.DownloadResult) {
	errMsg := ""
	if result.Err != nil {
		errMsg = result.Err.Error()
	}
	s.store.Update(task.TaskID, func(t *storage.TaskRecord) {
		t.Status = "failed"
		if result.NeedsAuth {
			t.Reason = "app_terminated"
		}
	})
	if s.onEvent != nil {
		s.onEvent(task.TaskID, "failed", result.Processed, result.TotalSize, 0, "", "", errMsg)
	}
}

// networkResumeLoop watches the network observer and re-admits paused
// tasks whose reason was waiting_network once connectivity satisfies them
// again (spec §4.4's network-triggered resumption).
func (s *Scheduler) networkResumeLoop(ctx context.Context) {
	sub := s.network.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case netCap, ok := <-sub:
			if !ok {
				return
			}
			s.resumeSatisfied(netCap)
		}
	}
}

// resumeSatisfied re-admits paused tasks whose pause reason is not a
// user pause once the network snapshot satisfies their preference
// (spec §4.2/§4.4: auto-resume applies only when reason != user).
func (s *Scheduler) resumeSatisfied(netCap network.Capability) {
	s.mu.Lock()
	var ready []uint32
	for id, item := range s.paused {
		_, reason, _ := item.machine.Snapshot()
		if reason == taskstate.ReasonUser {
			continue
		}
		if netCap.Satisfies(item.task.NetworkPreference, item.task.AllowMetered, item.task.AllowRoaming) {
			ready = append(ready, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ready {
		s.resume(id, taskstate.EventNetworkAvailable)
	}
}

// pollLoop periodically sweeps the retention window, removing terminal
// tasks older than cfg.RetentionWindow (spec §4.1 sweep).
func (s *Scheduler) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollingInterval * 10)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.RetentionWindow).UnixMilli()
			if n, err := s.store.Sweep(cutoff); err != nil {
				s.logger.Warn("retention sweep failed", "err", err)
			} else if n > 0 {
				s.logger.Info("retention sweep removed tasks", "count", n)
			}
		}
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Hostname()
}
