// Package service implements C6, the Service Facade: the single
// validated entry point create/pause/resume/remove/query/search/touch
// and the event-subscription fan-out, grounded on the teacher's
// internal/core.TachyonEngine public methods generalized from a
// download-only API to the full spec task model.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"project-tachyon/internal/analytics"
	"project-tachyon/internal/network"
	"project-tachyon/internal/preload"
	"project-tachyon/internal/scheduler"
	"project-tachyon/internal/storage"
	"project-tachyon/internal/taskstate"
)

var (
	ErrValidation     = errors.New("service: validation failed")
	ErrNotFound       = errors.New("service: task not found")
	ErrNotOwner       = errors.New("service: caller does not own task")
	ErrTokenMismatch  = errors.New("service: token mismatch")
)

// TaskConfig is the create() input: spec §4.5's task submission shape.
type TaskConfig struct {
	UID               string
	Action            string // download | upload
	Mode              string // foreground | background
	URL               string
	Method            string
	Headers           []storage.HeaderPair
	FilePath          string
	FileSpecs         []storage.FileSpec
	BodyFileNames     []string
	NetworkPreference string
	AllowMetered      bool
	AllowRoaming      bool
	RetryAllowed      bool
	FollowRedirects   bool
	CoverExisting     bool
	Precise           bool
	Begins            int64
	Ends              int64
	Gauge             int64
	Priority          int
	Title             string
	Description       string
	Token             string
	Proxy             string
	CertificatePins   []string
	Bundle            string
	RetryBudget       int
}

// TaskEvent is the spec §3/§6 event-channel record.
type TaskEvent struct {
	TaskID    uint32
	Kind      string // progress | header_received | completed | paused | failed | removed | response
	Processed int64
	Total     int64
	Status    int
	MimeType  string
	ETag      string
	Err       string
}

// TaskInfo is query()'s return shape: the task's public fields, without
// the bearer token.
type TaskInfo struct {
	TaskID        uint32
	UID           string
	Action        string
	Mode          string
	URL           string
	Status        string
	Reason        string
	ErrorCode     int
	MimeType      string
	TotalSize     int64
	ProcessedSize int64
	FileIndex     int
	Tries         int
	Title         string
	Description   string
	Bundle        string
	CreatedAt     int64
	ModifiedAt    int64
}

// Service is the process-wide facade. One instance owns the store,
// scheduler, and subscriber registry.
type Service struct {
	logger    *slog.Logger
	store     *storage.Storage
	scheduler *scheduler.Scheduler
	observer  *network.Observer
	stats     *analytics.StatsManager
	preload   *preload.Cache

	mu   sync.Mutex
	subs map[uint32]map[string]chan TaskEvent // task_id -> kind -> listener
}

func New(logger *slog.Logger, store *storage.Storage, sched *scheduler.Scheduler, observer *network.Observer, stats *analytics.StatsManager) *Service {
	return &Service{
		logger:    logger,
		store:     store,
		scheduler: sched,
		observer:  observer,
		stats:     stats,
		subs:      make(map[uint32]map[string]chan TaskEvent),
	}
}

// SetPreloadCache wires the C7 preload cache in after construction (it is
// optional, so New() does not require it).
func (s *Service) SetPreloadCache(cache *preload.Cache) {
	s.preload = cache
}

// OnEngineEvent is registered as the scheduler's EventFunc at wiring time
// (cmd/transferd) and fans engine-reported events out to subscribers.
func (s *Service) OnEngineEvent(taskID uint32, kind string, processed, total int64, status int, mimeType, etag, errMsg string) {
	s.dispatch(taskID, TaskEvent{
		TaskID: taskID, Kind: kind, Processed: processed, Total: total,
		Status: status, MimeType: mimeType, ETag: etag, Err: errMsg,
	})
}

func (s *Service) dispatch(taskID uint32, evt TaskEvent) {
	s.mu.Lock()
	listeners := s.subs[taskID]
	s.mu.Unlock()
	if listeners == nil {
		return
	}
	if ch, ok := listeners[evt.Kind]; ok {
		select {
		case ch <- evt:
		default:
		}
	}
	if ch, ok := listeners["*"]; ok {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Create validates config, persists a new task row, and enqueues it
// (spec §4.5 create()).
func (s *Service) Create(cfg TaskConfig) (uint32, error) {
	if err := validateConfig(cfg); err != nil {
		return 0, err
	}

	taskID := s.store.NextTaskID()
	now := time.Now().UnixMilli()

	title := cfg.Title
	if title == "" {
		title = cfg.Action // spec §8: untitled tasks default to "download"/"upload"
	}

	// An unset Ends is the Go zero value 0, which would otherwise collide
	// with the -1 "open-ended" sentinel and truncate every ordinary
	// download to a single byte. Callers that don't request a byte range
	// leave both Begins and Ends at zero; normalize that case to open-ended.
	ends := cfg.Ends
	if cfg.Begins == 0 && cfg.Ends == 0 {
		ends = -1
	}

	t := &storage.TaskRecord{
		TaskID: taskID, UID: cfg.UID,
		Action: cfg.Action, Mode: cfg.Mode, URL: cfg.URL, Method: cfg.Method,
		FilePath: cfg.FilePath, NetworkPreference: cfg.NetworkPreference,
		AllowMetered: cfg.AllowMetered, AllowRoaming: cfg.AllowRoaming,
		RetryAllowed: cfg.RetryAllowed, FollowRedirects: cfg.FollowRedirects,
		CoverExisting: cfg.CoverExisting, Precise: cfg.Precise,
		Begins: cfg.Begins, Ends: ends, Gauge: cfg.Gauge,
		Priority: cfg.Priority, Title: title, Description: cfg.Description,
		Token: cfg.Token, Proxy: cfg.Proxy, Bundle: cfg.Bundle,
		RetryBudget: cfg.RetryBudget,
		Status:      string(taskstate.Created), Reason: string(taskstate.ReasonNone),
		TotalSize: -1, CreatedAt: now, ModifiedAt: now,
	}
	t.SetHeaders(cfg.Headers)
	t.SetFileSpecs(cfg.FileSpecs)
	t.SetBodyFileNames(cfg.BodyFileNames)
	t.SetPins(cfg.CertificatePins)

	if t.RetryBudget <= 0 {
		t.RetryBudget = 3
	}

	if err := s.store.Insert(t); err != nil {
		return 0, fmt.Errorf("service: create failed: %w", err)
	}

	machine := taskstate.NewMachine(t.RetryBudget)
	s.scheduler.Submit(t, machine)
	return taskID, nil
}

// Start transitions created -> waiting explicitly, for callers that
// create a task in a held/inactive state first (spec §4.5 start()).
// Create() above already admits the task, so Start is a no-op safety
// net for a task that was previously paused before its first run.
func (s *Service) Start(taskID uint32) error {
	_, err := s.store.Get(taskID)
	if err != nil {
		return ErrNotFound
	}
	if !s.scheduler.Resume(taskID) {
		return nil // already running/admitted
	}
	return nil
}

// PauseTask pauses a task after checking ownership.
func (s *Service) PauseTask(taskID uint32, callerUID string) error {
	t, err := s.checkOwnership(taskID, callerUID)
	if err != nil {
		return err
	}
	if !s.scheduler.Pause(t.TaskID) {
		return fmt.Errorf("%w: task not active", ErrValidation)
	}
	return nil
}

func (s *Service) ResumeTask(taskID uint32, callerUID string) error {
	if _, err := s.checkOwnership(taskID, callerUID); err != nil {
		return err
	}
	if !s.scheduler.Resume(taskID) {
		return fmt.Errorf("%w: task not paused", ErrValidation)
	}
	return nil
}

func (s *Service) RemoveTask(taskID uint32, callerUID string) error {
	t, err := s.checkOwnership(taskID, callerUID)
	if err != nil {
		return err
	}
	if s.scheduler.Remove(t.TaskID) {
		return nil
	}
	return s.store.Delete(taskID, callerUID)
}

func (s *Service) checkOwnership(taskID uint32, callerUID string) (*storage.TaskRecord, error) {
	t, err := s.store.Get(taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if t.UID != callerUID {
		return nil, ErrNotOwner
	}
	return t, nil
}

// Query returns the public task info (spec §4.5 query()).
func (s *Service) Query(taskID uint32) (*TaskInfo, error) {
	t, err := s.store.Get(taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toTaskInfo(t), nil
}

func (s *Service) QueryMimeType(taskID uint32) (string, error) {
	t, err := s.store.Get(taskID)
	if err != nil {
		return "", ErrNotFound
	}
	return t.MimeType, nil
}

// Search implements spec §4.5 search(filter) -> [task_id].
func (s *Service) Search(filter storage.Filter) []uint32 {
	var ids []uint32
	for t := range s.store.QueryBy(filter, 100) {
		ids = append(ids, t.TaskID)
	}
	return ids
}

// Touch re-emits the last known progress for a task, requiring a token
// match (spec §4.5 touch()).
func (s *Service) Touch(taskID uint32, token string) (*TaskInfo, error) {
	t, err := s.store.Get(taskID)
	if err != nil {
		return nil, ErrNotFound
	}
	if t.Token != "" && t.Token != token {
		return nil, ErrTokenMismatch
	}
	s.dispatch(taskID, TaskEvent{TaskID: taskID, Kind: "progress", Processed: t.ProcessedSize, Total: t.TotalSize})
	return toTaskInfo(t), nil
}

// Subscribe registers at-most-one listener per (task_id, kind). kind "*"
// subscribes to every event kind for the task.
func (s *Service) Subscribe(taskID uint32, kind string) <-chan TaskEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[taskID] == nil {
		s.subs[taskID] = make(map[string]chan TaskEvent)
	}
	ch := make(chan TaskEvent, 16)
	s.subs[taskID][kind] = ch
	return ch
}

func (s *Service) Unsubscribe(taskID uint32, kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if listeners, ok := s.subs[taskID]; ok {
		if ch, ok := listeners[kind]; ok {
			close(ch)
			delete(listeners, kind)
		}
		if len(listeners) == 0 {
			delete(s.subs, taskID)
		}
	}
}

// Diagnose runs the network-quality diagnostic facade operation added in
// SPEC_FULL.md §2 (the teacher's speedtest wrapper).
func (s *Service) Diagnose() network.Capability {
	return s.observer.Snapshot()
}

// Analytics returns lifetime/daily transfer totals and disk usage for the
// configured download volume, an **(added)** facade operation
// generalizing the teacher's per-window analytics tab to a daemon-level
// query (spec.md has no equivalent operation; this supplements it).
// Preload fetches url through the C7 cache, blocking until the fetch
// resolves or ctx is cancelled (spec §4.6 preload/fetch()).
func (s *Service) Preload(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	if s.preload == nil {
		return nil, fmt.Errorf("%w: preload cache not configured", ErrValidation)
	}
	if body, ok := s.preload.Fetch(url); ok {
		return body, nil
	}

	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	handle, err := s.preload.Load(ctx, url, preload.Options{Headers: headers}, func(state preload.State, body []byte, ferr *preload.FetchError) {
		switch state {
		case preload.StateSuccess:
			done <- result{body: body}
		case preload.StateFailed:
			msg := "preload fetch failed"
			if ferr != nil {
				msg = fmt.Sprintf("preload fetch failed: kind=%s code=%d", ferr.Kind, ferr.Code)
			}
			done <- result{err: errors.New(msg)}
		case preload.StateCancelled:
			done <- result{err: ctx.Err()}
		}
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-done:
		return r.body, r.err
	case <-ctx.Done():
		handle.Cancel()
		return nil, ctx.Err()
	}
}

func (s *Service) Analytics() analytics.AnalyticsData {
	if s.stats == nil {
		return analytics.AnalyticsData{DailyHistory: map[string]int64{}}
	}
	return s.stats.GetAnalytics()
}

func toTaskInfo(t *storage.TaskRecord) *TaskInfo {
	return &TaskInfo{
		TaskID: t.TaskID, UID: t.UID, Action: t.Action, Mode: t.Mode, URL: t.URL,
		Status: t.Status, Reason: t.Reason, ErrorCode: t.ErrorCode, MimeType: t.MimeType,
		TotalSize: t.TotalSize, ProcessedSize: t.ProcessedSize, FileIndex: t.FileIndex,
		Tries: t.Tries, Title: t.Title, Description: t.Description, Bundle: t.Bundle,
		CreatedAt: t.CreatedAt, ModifiedAt: t.ModifiedAt,
	}
}

// validateConfig implements spec §4.5's bounds: URL <= 8192, title <= 256,
// description <= 1024, token 8-2048 chars, proxy scheme/port, saveAs
// existence is left to the caller's filesystem layer (internal/filesystem).
func validateConfig(cfg TaskConfig) error {
	if cfg.URL == "" || len(cfg.URL) > 8192 {
		return fmt.Errorf("%w: url length", ErrValidation)
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return fmt.Errorf("%w: malformed url", ErrValidation)
	}
	if len(cfg.Title) > 256 {
		return fmt.Errorf("%w: title length", ErrValidation)
	}
	if len(cfg.Description) > 1024 {
		return fmt.Errorf("%w: description length", ErrValidation)
	}
	if cfg.Token != "" && (len(cfg.Token) < 8 || len(cfg.Token) > 2048) {
		return fmt.Errorf("%w: token length", ErrValidation)
	}
	if cfg.Proxy != "" {
		u, err := url.Parse(cfg.Proxy)
		if err != nil || u.Scheme != "http" || u.Port() == "" {
			return fmt.Errorf("%w: proxy scheme/port", ErrValidation)
		}
	}
	if cfg.Action != "download" && cfg.Action != "upload" {
		return fmt.Errorf("%w: action", ErrValidation)
	}
	if cfg.UID == "" {
		return fmt.Errorf("%w: missing caller identity", ErrValidation)
	}
	if strings.TrimSpace(cfg.FilePath) == "" && cfg.Action == "download" {
		return fmt.Errorf("%w: missing file path", ErrValidation)
	}
	return nil
}
