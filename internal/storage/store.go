// Package storage implements C1, the Task Store: a gorm/sqlite-backed
// relational store for request_task rows, with a crash-recovery sweep on
// startup and a set of settings/stat tables shared with the ambient config
// and analytics packages.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var (
	ErrNotFound    = errors.New("storage: not found")
	ErrDuplicateID = errors.New("storage: duplicate task id")
)

// Filter is the query_by predicate from spec §4.1.
type Filter struct {
	UID        string
	Bundle     string
	Action     string
	Mode       string
	Status     string
	CtimeAfter int64
	CtimeBefore int64
}

// Storage owns the request.db connection and the monotonic task-id counter.
type Storage struct {
	DB     *gorm.DB
	logger *slog.Logger

	nextID atomic.Uint32
	mu     sync.Mutex
}

// NewStorage opens (creating if absent) the sqlite file at path and runs
// AutoMigrate for every table owned by this package.
func NewStorage(path string, logger *slog.Logger) (*Storage, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(
		&TaskRecord{}, &SchemaVersion{}, &DownloadLocation{},
		&DailyStat{}, &AppSetting{}, &SpeedTestHistory{},
	); err != nil {
		return nil, fmt.Errorf("storage: automigrate: %w", err)
	}

	s := &Storage{DB: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	if err := s.seedNextID(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Storage) seedNextID() error {
	var max uint32
	row := s.DB.Model(&TaskRecord{}).Select("COALESCE(MAX(task_id), 0)").Row()
	if row != nil {
		_ = row.Scan(&max)
	}
	s.nextID.Store(max)
	return nil
}

// NextTaskID hands out the next monotonic unsigned 32-bit task id (spec §3).
func (s *Storage) NextTaskID() uint32 {
	return s.nextID.Add(1)
}

// Close releases the underlying sql.DB connection.
func (s *Storage) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint forces a WAL checkpoint so the on-disk file reflects every
// committed write before process exit.
func (s *Storage) Checkpoint() error {
	return s.DB.Exec("PRAGMA wal_checkpoint(FULL)").Error
}

// Insert persists a brand-new task row. Returns ErrDuplicateID if task_id
// is already present.
func (s *Storage) Insert(t *TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing TaskRecord
	err := s.DB.First(&existing, "task_id = ?", t.TaskID).Error
	if err == nil {
		return ErrDuplicateID
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("storage: insert lookup: %w", err)
	}
	if err := s.DB.Create(t).Error; err != nil {
		return fmt.Errorf("storage: insert: %w", err)
	}
	return nil
}

// Update applies delta (a partial TaskRecord identified by TaskID) on top
// of the stored row. Returns ErrNotFound if the row does not exist.
func (s *Storage) Update(taskID uint32, apply func(*TaskRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec TaskRecord
	if err := s.DB.First(&rec, "task_id = ?", taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("storage: update lookup: %w", err)
	}
	apply(&rec)
	rec.ModifiedAt = time.Now().UnixMilli()
	if err := s.DB.Save(&rec).Error; err != nil {
		return fmt.Errorf("storage: update save: %w", err)
	}
	return nil
}

// UpdateState is the dedicated fast path from spec §4.1.
func (s *Storage) UpdateState(taskID uint32, status, reason string, modifiedAt int64) error {
	res := s.DB.Model(&TaskRecord{}).Where("task_id = ?", taskID).Updates(map[string]interface{}{
		"status":      status,
		"reason":      reason,
		"modified_at": modifiedAt,
	})
	if res.Error != nil {
		return fmt.Errorf("storage: update_state: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns the full row for task_id.
func (s *Storage) Get(taskID uint32) (*TaskRecord, error) {
	var rec TaskRecord
	if err := s.DB.First(&rec, "task_id = ?", taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get: %w", err)
	}
	return &rec, nil
}

// QueryBy returns rows matching filter, ordered by ctime, as a slice.
// Go lacks a free-standing cursor type cheap enough to hand back across
// this package boundary without leaking a live DB handle, so "lazy
// sequence" (spec §4.1) is satisfied with a paged iterator instead of one
// unbounded slice.
func (s *Storage) QueryBy(filter Filter, pageSize int) func(yield func(*TaskRecord) bool) {
	if pageSize <= 0 {
		pageSize = 100
	}
	return func(yield func(*TaskRecord) bool) {
		offset := 0
		for {
			q := s.DB.Model(&TaskRecord{}).Order("created_at asc").Limit(pageSize).Offset(offset)
			q = applyFilter(q, filter)
			var page []TaskRecord
			if err := q.Find(&page).Error; err != nil {
				if s.logger != nil {
					s.logger.Error("query_by failed", "error", err)
				}
				return
			}
			if len(page) == 0 {
				return
			}
			for i := range page {
				if !yield(&page[i]) {
					return
				}
			}
			offset += len(page)
			if len(page) < pageSize {
				return
			}
		}
	}
}

func applyFilter(q *gorm.DB, f Filter) *gorm.DB {
	if f.UID != "" {
		q = q.Where("uid = ?", f.UID)
	}
	if f.Bundle != "" {
		q = q.Where("bundle = ?", f.Bundle)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.Mode != "" {
		q = q.Where("mode = ?", f.Mode)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.CtimeAfter > 0 {
		q = q.Where("created_at >= ?", f.CtimeAfter)
	}
	if f.CtimeBefore > 0 {
		q = q.Where("created_at <= ?", f.CtimeBefore)
	}
	return q
}

// Delete permanently removes a task row owned by uid.
func (s *Storage) Delete(taskID uint32, uid string) error {
	res := s.DB.Where("task_id = ? AND uid = ?", taskID, uid).Delete(&TaskRecord{})
	if res.Error != nil {
		return fmt.Errorf("storage: delete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Sweep purges terminal tasks older than beforeTimestamp (ms epoch).
func (s *Storage) Sweep(beforeTimestamp int64) (int64, error) {
	res := s.DB.Where(
		"modified_at < ? AND status IN ?", beforeTimestamp,
		[]string{"completed", "failed", "removed", "stopped"},
	).Delete(&TaskRecord{})
	return res.RowsAffected, res.Error
}

// LoadAllResumable returns every row the scheduler should rehydrate at
// startup: anything not already terminal.
func (s *Storage) LoadAllResumable() ([]TaskRecord, error) {
	var rows []TaskRecord
	err := s.DB.Where(
		"status NOT IN ?", []string{"completed", "failed", "removed", "stopped"},
	).Order("created_at asc").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("storage: load_all_resumable: %w", err)
	}
	return rows, nil
}

// RecoverOnStartup implements the crash-recovery sweep from spec §4.1:
// running/retrying -> failed(app_terminated); paused untouched; waiting
// re-queued (already waiting, so it is a no-op — it just gets logged).
func (s *Storage) RecoverOnStartup() error {
	now := time.Now().UnixMilli()
	res := s.DB.Model(&TaskRecord{}).
		Where("status IN ?", []string{"running", "retrying"}).
		Updates(map[string]interface{}{
			"status":      "failed",
			"reason":      "app_terminated",
			"modified_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("storage: recovery sweep: %w", res.Error)
	}
	if s.logger != nil && res.RowsAffected > 0 {
		s.logger.Info("recovered interrupted tasks", "count", res.RowsAffected)
	}
	return nil
}

// --- Settings / stats surface shared with internal/config, internal/analytics ---

func (s *Storage) GetString(key string) (string, error) {
	var setting AppSetting
	if err := s.DB.First(&setting, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return setting.Value, nil
}

func (s *Storage) SetString(key, value string) error {
	return s.DB.Save(&AppSetting{Key: key, Value: value}).Error
}

func (s *Storage) GetStringList(key string) ([]string, error) {
	raw, err := s.GetString(key)
	if err != nil || raw == "" {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage) SetStringList(key string, items []string) error {
	raw, err := json.Marshal(items)
	if err != nil {
		return err
	}
	return s.SetString(key, string(raw))
}

func (s *Storage) AddLocation(path, nickname string) error {
	return s.DB.Save(&DownloadLocation{Path: path, Nickname: nickname}).Error
}

func (s *Storage) GetLocations() ([]DownloadLocation, error) {
	var out []DownloadLocation
	err := s.DB.Find(&out).Error
	return out, err
}

func (s *Storage) IncrementDailyBytes(n int64) error {
	day := time.Now().Format("2006-01-02")
	return s.DB.Exec(
		"INSERT INTO daily_stats (date, bytes, files) VALUES (?, ?, 0) ON CONFLICT(date) DO UPDATE SET bytes = bytes + ?",
		day, n, n,
	).Error
}

func (s *Storage) IncrementDailyFiles(n int64) error {
	day := time.Now().Format("2006-01-02")
	return s.DB.Exec(
		"INSERT INTO daily_stats (date, bytes, files) VALUES (?, 0, ?) ON CONFLICT(date) DO UPDATE SET files = files + ?",
		day, n, n,
	).Error
}

func (s *Storage) GetTotalLifetime() (int64, error) {
	var total int64
	row := s.DB.Model(&DailyStat{}).Select("COALESCE(SUM(bytes), 0)").Row()
	if row == nil {
		return 0, nil
	}
	err := row.Scan(&total)
	return total, err
}

func (s *Storage) GetTotalFiles() (int64, error) {
	var total int64
	row := s.DB.Model(&DailyStat{}).Select("COALESCE(SUM(files), 0)").Row()
	if row == nil {
		return 0, nil
	}
	err := row.Scan(&total)
	return total, err
}

func (s *Storage) GetDailyHistory(days int) ([]DailyStat, error) {
	var out []DailyStat
	err := s.DB.Order("date desc").Limit(days).Find(&out).Error
	return out, err
}
