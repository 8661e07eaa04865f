package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStorage(t *testing.T) *Storage {
	s, err := NewStorage(":memory:", nil)
	require.NoError(t, err)
	return s
}

func TestTaskCRUDAndQuery(t *testing.T) {
	s := setupTestStorage(t)
	defer s.Close()

	id := s.NextTaskID()
	task := &TaskRecord{
		TaskID:    id,
		UID:       "app1",
		Action:    "download",
		Mode:      "background",
		URL:       "https://example.com/test.mp4",
		FilePath:  "/downloads/test.mp4",
		Status:    "waiting",
		Priority:  1,
		TotalSize: -1,
	}
	require.NoError(t, s.Insert(task))
	require.ErrorIs(t, s.Insert(task), ErrDuplicateID)

	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, task.URL, got.URL)

	require.NoError(t, s.Update(id, func(r *TaskRecord) {
		r.Status = "completed"
		r.ProcessedSize = 1042003
		r.TotalSize = 1042003
	}))

	updated, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "completed", updated.Status)
	assert.Equal(t, int64(1042003), updated.ProcessedSize)

	var all []*TaskRecord
	for rec := range s.QueryBy(Filter{UID: "app1"}, 10) {
		all = append(all, rec)
	}
	assert.Len(t, all, 1)

	require.NoError(t, s.Delete(id, "app1"))
	_, err = s.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBlobFieldsRoundTripBitExact(t *testing.T) {
	s := setupTestStorage(t)
	defer s.Close()

	id := s.NextTaskID()
	task := &TaskRecord{TaskID: id, UID: "app1", Action: "upload", Status: "waiting", TotalSize: -1}
	task.SetHeaders([]HeaderPair{{Key: "Authorization", Value: "Bearer x"}, {Key: "X-Foo", Value: "bar"}})
	task.SetFileSpecs([]FileSpec{{Path: "/a", Filename: "a.txt", MimeType: "text/plain"}})
	task.SetPins([]string{"pin1", "pin2"})
	task.SetExtras(map[string]string{"b": "2", "a": "1"})
	require.NoError(t, s.Insert(task))

	got, err := s.Get(id)
	require.NoError(t, err)

	headers, err := got.Headers()
	require.NoError(t, err)
	assert.Equal(t, []HeaderPair{{Key: "Authorization", Value: "Bearer x"}, {Key: "X-Foo", Value: "bar"}}, headers)
	assert.Equal(t, task.HeadersBlob, got.HeadersBlob, "encode(decode(blob)) must equal blob")

	specs, err := got.FileSpecs()
	require.NoError(t, err)
	assert.Equal(t, "a.txt", specs[0].Filename)

	extras, err := got.Extras()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, extras)
}

func TestCrashRecoverySweep(t *testing.T) {
	s := setupTestStorage(t)
	defer s.Close()

	running := &TaskRecord{TaskID: s.NextTaskID(), UID: "u", Status: "running", TotalSize: -1}
	retrying := &TaskRecord{TaskID: s.NextTaskID(), UID: "u", Status: "retrying", TotalSize: -1}
	paused := &TaskRecord{TaskID: s.NextTaskID(), UID: "u", Status: "paused", Reason: "user", TotalSize: -1}
	waiting := &TaskRecord{TaskID: s.NextTaskID(), UID: "u", Status: "waiting", TotalSize: -1}
	for _, r := range []*TaskRecord{running, retrying, paused, waiting} {
		require.NoError(t, s.Insert(r))
	}

	require.NoError(t, s.RecoverOnStartup())

	gotRunning, _ := s.Get(running.TaskID)
	assert.Equal(t, "failed", gotRunning.Status)
	assert.Equal(t, "app_terminated", gotRunning.Reason)

	gotRetrying, _ := s.Get(retrying.TaskID)
	assert.Equal(t, "failed", gotRetrying.Status)

	gotPaused, _ := s.Get(paused.TaskID)
	assert.Equal(t, "paused", gotPaused.Status)
	assert.Equal(t, "user", gotPaused.Reason)

	gotWaiting, _ := s.Get(waiting.TaskID)
	assert.Equal(t, "waiting", gotWaiting.Status)
}

func TestStatistics(t *testing.T) {
	s := setupTestStorage(t)
	defer s.Close()

	require.NoError(t, s.IncrementDailyBytes(100))
	require.NoError(t, s.IncrementDailyBytes(100))

	total, err := s.GetTotalLifetime()
	require.NoError(t, err)
	assert.Equal(t, int64(200), total)

	require.NoError(t, s.IncrementDailyFiles(1))
	require.NoError(t, s.IncrementDailyFiles(1))

	files, err := s.GetTotalFiles()
	require.NoError(t, err)
	assert.Equal(t, int64(2), files)

	history, err := s.GetDailyHistory(7)
	require.NoError(t, err)
	today := time.Now().Format("2006-01-02")
	found := false
	for _, stat := range history {
		if stat.Date == today {
			found = true
			assert.Equal(t, int64(200), stat.Bytes)
			assert.Equal(t, int64(2), stat.Files)
		}
	}
	assert.True(t, found)
}

func TestLocations(t *testing.T) {
	s := setupTestStorage(t)
	defer s.Close()

	require.NoError(t, s.AddLocation("/downloads/games", "Gaming Drive"))
	locations, err := s.GetLocations()
	require.NoError(t, err)
	require.Len(t, locations, 1)
	assert.Equal(t, "Gaming Drive", locations[0].Nickname)

	require.NoError(t, s.AddLocation("/downloads/games", "SSD Games"))
	locations, _ = s.GetLocations()
	require.Len(t, locations, 1)
	assert.Equal(t, "SSD Games", locations[0].Nickname)
}

func TestAppSettings(t *testing.T) {
	s := setupTestStorage(t)
	defer s.Close()

	require.NoError(t, s.SetString("api_token", "secret-123"))
	val, err := s.GetString("api_token")
	require.NoError(t, err)
	assert.Equal(t, "secret-123", val)

	require.NoError(t, s.SetStringList("blacklist", []string{"ads.com", "spam.net"}))
	list, err := s.GetStringList("blacklist")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
