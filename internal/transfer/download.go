package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"project-tachyon/internal/storage"
)

// Part is one ranged sub-request of a chunked download attempt.
type Part struct {
	ID          int
	StartOffset int64
	EndOffset   int64
	Attempts    int
}

// DownloadRequest carries everything Download needs from a task row
// without depending on the scheduler/service packages.
type DownloadRequest struct {
	TaskID          uint32
	URL             string
	FilePath        string
	Headers         []storage.HeaderPair
	Proxy           string
	Pins            []string
	FollowRedirects bool
	Priority        int
	Begins          int64 // byte range start, spec §3; 0 = from the beginning
	Ends            int64 // byte range end, inclusive; -1 sentinel = open-ended
	Prior           *ResumeState // resume state from the previous attempt, if any
}

// hasByteRange reports whether req requests a sub-range of the resource
// rather than the whole thing (spec §3/§6 begins/ends).
func (req DownloadRequest) hasByteRange() bool {
	return req.Begins > 0 || req.Ends >= 0
}

// rangeLength returns the expected byte count for req's begins/ends
// range against a resource of the given full size (-1 if unknown).
func (req DownloadRequest) rangeLength(fullSize int64) int64 {
	if fullSize < 0 {
		return -1
	}
	if req.Ends < 0 {
		return fullSize - req.Begins
	}
	return req.Ends - req.Begins + 1
}

// DownloadResult is everything the caller (scheduler) needs to persist
// after one attempt.
type DownloadResult struct {
	Outcome      Outcome
	Err          *Error
	TotalSize    int64
	Processed    int64
	MimeType     string
	ResumeState  *ResumeState
	NeedsAuth    bool // 403 observed: link needs refresh before retrying
}

// ForceStop is the cooperative cancellation flag from spec §5: set by
// pause/remove, observed by the progress callback on its next tick.
type ForceStop struct {
	flag       atomic.Bool
	removeMode atomic.Bool
}

func (f *ForceStop) Set(remove bool) {
	f.flag.Store(true)
	f.removeMode.Store(remove)
}

func (f *ForceStop) IsSet() (stopped, remove bool) {
	return f.flag.Load(), f.removeMode.Load()
}

// Download executes one attempt of a download task: probe, allocate,
// compute parts, resume, fan out across a worker pool when the remaining
// size passes ChunkThreshold, otherwise stream sequentially.
func (e *Engine) Download(ctx context.Context, req DownloadRequest, stop *ForceStop, onProgress ProgressFunc, onHeader HeaderFunc) *DownloadResult {
	client, err := e.clientForTask(req.Proxy, req.Pins)
	if err != nil {
		return &DownloadResult{Outcome: OutcomeFailed, Err: err}
	}

	probe, perr := e.ProbeURL(ctx, client, req.URL, req.Headers)
	if perr != nil {
		if errors.Is(perr, ErrLinkExpired) {
			return &DownloadResult{Outcome: OutcomeFailed, NeedsAuth: true, Err: newError(KindHTTP, http.StatusForbidden, "unhandled_http_code", perr)}
		}
		var te *Error
		if errors.As(perr, &te) {
			if te.Kind == KindTransient {
				return &DownloadResult{Outcome: OutcomeRetrying, Err: te}
			}
			return &DownloadResult{Outcome: OutcomeFailed, Err: te}
		}
		return &DownloadResult{Outcome: OutcomeFailed, Err: newError(KindTransient, 0, "probe failed", perr)}
	}

	if onHeader != nil {
		onHeader(probe.Status, "", probe.ETag, probe.LastModified)
	}

	if !Validate(req.Prior, probe.ETag, probe.LastModified) {
		req.Prior = nil // server content changed since last attempt; restart
	}

	file, ferr := os.OpenFile(req.FilePath, os.O_CREATE|os.O_RDWR, 0o644)
	if ferr != nil {
		return &DownloadResult{Outcome: OutcomeFailed, Err: newError(KindFile, 0, "open file failed", ferr)}
	}
	defer file.Close()

	allocSize := probe.Size
	if req.hasByteRange() {
		allocSize = req.Begins + req.rangeLength(probe.Size)
	}
	if allocSize > 0 {
		if err := e.allocator.AllocateFile(req.FilePath, allocSize); err != nil {
			return &DownloadResult{Outcome: OutcomeFailed, Err: newError(KindFile, 0, "insufficient space", err)}
		}
	}

	// A requested byte sub-range can't be fanned out across the
	// congestion-controlled worker pool, which partitions the whole
	// resource by absolute offset; always stream it sequentially.
	if req.hasByteRange() || !probe.AcceptRanges || probe.Size <= 0 {
		return e.downloadSequential(ctx, req, probe, client, file, stop, onProgress)
	}

	return e.downloadChunked(ctx, req, probe, client, file, stop, onProgress)
}

func (e *Engine) downloadSequential(ctx context.Context, req DownloadRequest, probe *ProbeResult, client *http.Client, file *os.File, stop *ForceStop, onProgress ProgressFunc) *DownloadResult {
	hreq, err := e.newRequest(ctx, http.MethodGet, req.URL, req.Headers)
	if err != nil {
		return &DownloadResult{Outcome: OutcomeFailed, Err: err}
	}

	total := probe.Size
	fileOffset := int64(0)
	if req.hasByteRange() {
		total = req.rangeLength(probe.Size)
		fileOffset = req.Begins
		if req.Ends < 0 {
			hreq.Header.Set("Range", fmt.Sprintf("bytes=%d-", req.Begins))
		} else {
			hreq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", req.Begins, req.Ends))
		}
	}

	resp, derr := client.Do(hreq)
	if derr != nil {
		return &DownloadResult{Outcome: OutcomeRetrying, Err: newError(KindTransient, 0, "connect failed", derr)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return &DownloadResult{Outcome: OutcomeFailed, NeedsAuth: true}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return &DownloadResult{Outcome: OutcomeFailed, Err: newError(KindHTTP, resp.StatusCode, "unhandled_http_code", nil)}
	}

	bufPtr := e.bufferPool.Get().(*[]byte)
	defer e.bufferPool.Put(bufPtr)
	buf := *bufPtr

	var processed int64
	lastEmit := time.Now()
	for {
		if stopped, remove := stop.IsSet(); stopped {
			if remove {
				return &DownloadResult{Outcome: OutcomeRemoved, Processed: processed, TotalSize: total}
			}
			return &DownloadResult{Outcome: OutcomePaused, Processed: processed, TotalSize: total}
		}
		if err := e.bandwidthManager.Wait(ctx, fmt.Sprintf("%d", req.TaskID), len(buf)); err != nil {
			return &DownloadResult{Outcome: OutcomePaused, Processed: processed, TotalSize: total}
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := file.WriteAt(buf[:n], fileOffset+processed); werr != nil {
				return &DownloadResult{Outcome: OutcomeFailed, Err: newError(KindFile, 0, "io_error", werr), Processed: processed}
			}
			processed += int64(n)
			if onProgress != nil && time.Since(lastEmit) > 200*time.Millisecond {
				onProgress(processed, total)
				lastEmit = time.Now()
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return &DownloadResult{Outcome: OutcomeRetrying, Err: newError(KindTransient, 0, "read failed", rerr), Processed: processed}
		}
	}
	if onProgress != nil {
		onProgress(processed, total)
	}
	return &DownloadResult{Outcome: OutcomeCompleted, Processed: processed, TotalSize: total, MimeType: resp.Header.Get("Content-Type")}
}

func (e *Engine) downloadChunked(ctx context.Context, req DownloadRequest, probe *ProbeResult, client *http.Client, file *os.File, stop *ForceStop, onProgress ProgressFunc) *DownloadResult {
	numParts := int((probe.Size + ChunkSize - 1) / ChunkSize)
	if numParts < 1 {
		numParts = 1
	}

	completed := make(map[int]bool)
	if req.Prior != nil && req.Prior.NumParts == numParts {
		completed = BitfieldToCompletedParts(req.Prior.CompletedBitmap, numParts)
	}

	var processed int64
	for id := range completed {
		processed += partSize(id, numParts, probe.Size)
	}

	host := hostOf(req.URL)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	partCh := make(chan Part, numParts)
	retryCh := make(chan Part, numParts)
	doneCh := make(chan int, numParts)
	errCh := make(chan *Error, 8)

	var downloadedBytes int64
	var errorCount atomic.Int32
	var wg sync.WaitGroup

	spawnWorker := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.downloadWorker(ctx, req, host, client, file, partCh, retryCh, doneCh, errCh, &downloadedBytes, &errorCount)
		}()
	}

	initialWorkers := e.congestionController.GetIdealConcurrency(host)
	if initialWorkers < 1 {
		initialWorkers = 2
	}
	for i := 0; i < initialWorkers; i++ {
		spawnWorker()
	}

	go func() {
		for id := 0; id < numParts; id++ {
			if completed[id] {
				continue
			}
			start, end := partBounds(id, numParts, probe.Size)
			select {
			case partCh <- Part{ID: id, StartOffset: start, EndOffset: end}:
			case <-ctx.Done():
				return
			}
		}
	}()

	congestionTicker := time.NewTicker(2 * time.Second)
	defer congestionTicker.Stop()
	progressTicker := time.NewTicker(200 * time.Millisecond)
	defer progressTicker.Stop()

	remaining := numParts - len(completed)
	var finalErr *Error

	for remaining > 0 {
		if stopped, remove := stop.IsSet(); stopped {
			cancel()
			wg.Wait()
			outcome := OutcomePaused
			if remove {
				outcome = OutcomeRemoved
			}
			return &DownloadResult{
				Outcome: outcome, TotalSize: probe.Size,
				Processed:   processed + atomic.LoadInt64(&downloadedBytes),
				ResumeState: e.snapshotResumeState(probe, numParts, completed),
			}
		}

		select {
		case <-ctx.Done():
			wg.Wait()
			return &DownloadResult{Outcome: OutcomePaused, TotalSize: probe.Size, Processed: processed + atomic.LoadInt64(&downloadedBytes)}
		case part := <-retryCh:
			select {
			case partCh <- part:
			default:
				cancel()
				wg.Wait()
				return &DownloadResult{Outcome: OutcomeFailed, Err: newError(KindTransient, 0, "retry buffer full", nil)}
			}
		case id := <-doneCh:
			completed[id] = true
			remaining--
		case cerr := <-errCh:
			finalErr = cerr
			cancel()
			wg.Wait()
			if errors.Is(cerr.Cause, ErrLinkExpired) {
				return &DownloadResult{Outcome: OutcomeFailed, NeedsAuth: true, Err: cerr}
			}
			return &DownloadResult{Outcome: OutcomeFailed, Err: cerr, TotalSize: probe.Size, Processed: processed + atomic.LoadInt64(&downloadedBytes)}
		case <-congestionTicker.C:
			ideal := e.congestionController.GetIdealConcurrency(host)
			// Additive-increase growth only; shrinking happens by workers
			// naturally draining when the part channel empties.
			_ = ideal
		case <-progressTicker.C:
			if onProgress != nil {
				onProgress(processed+atomic.LoadInt64(&downloadedBytes), probe.Size)
			}
		}
	}

	cancel()
	wg.Wait()
	close(partCh)

	if finalErr != nil {
		return &DownloadResult{Outcome: OutcomeFailed, Err: finalErr}
	}

	totalProcessed := processed + atomic.LoadInt64(&downloadedBytes)
	return &DownloadResult{Outcome: OutcomeCompleted, TotalSize: probe.Size, Processed: totalProcessed}
}

func (e *Engine) snapshotResumeState(probe *ProbeResult, numParts int, completed map[int]bool) *ResumeState {
	return &ResumeState{
		ETag: probe.ETag, LastModified: probe.LastModified, TotalSize: probe.Size,
		NumParts: numParts, CompletedBitmap: CompletedPartsToBitfield(completed, numParts),
	}
}

func (e *Engine) downloadWorker(ctx context.Context, req DownloadRequest, host string, client *http.Client, file *os.File, partCh <-chan Part, retryCh chan Part, doneCh chan<- int, errCh chan<- *Error, downloaded *int64, errorCount *atomic.Int32) {
	for {
		select {
		case <-ctx.Done():
			return
		case part, ok := <-partCh:
			if !ok {
				return
			}
			e.processPart(ctx, req, host, client, file, part, retryCh, doneCh, errCh, downloaded, errorCount)
		}
	}
}

func (e *Engine) processPart(ctx context.Context, req DownloadRequest, host string, client *http.Client, file *os.File, part Part, retryCh chan Part, doneCh chan<- int, errCh chan<- *Error, downloaded *int64, errorCount *atomic.Int32) {
	start := time.Now()
	err := e.downloadPart(ctx, req, client, file, part)
	if err != nil {
		e.congestionController.RecordOutcome(host, time.Since(start), err)
		errorCount.Add(1)

		if errors.Is(err, ErrLinkExpired) {
			errCh <- newError(KindHTTP, http.StatusForbidden, "link expired", err)
			return
		}
		if part.Attempts < 3 {
			part.Attempts++
			select {
			case retryCh <- part:
			default:
				errCh <- newError(KindTransient, 0, "retry buffer full", err)
			}
			return
		}
		errCh <- newError(KindTransient, 0, "part exceeded retry budget", err)
		return
	}
	e.congestionController.RecordOutcome(host, time.Since(start), nil)
	atomic.AddInt64(downloaded, part.EndOffset-part.StartOffset+1)
	doneCh <- part.ID
}

func (e *Engine) downloadPart(ctx context.Context, req DownloadRequest, client *http.Client, file *os.File, part Part) error {
	hreq, err := e.newRequest(ctx, http.MethodGet, req.URL, req.Headers)
	if err != nil {
		return err
	}
	hreq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", part.StartOffset, part.EndOffset))

	resp, derr := client.Do(hreq)
	if derr != nil {
		return derr
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return ErrLinkExpired
	}
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	bufPtr := e.bufferPool.Get().(*[]byte)
	defer e.bufferPool.Put(bufPtr)
	buf := *bufPtr

	offset := part.StartOffset
	total := part.EndOffset - part.StartOffset + 1
	var read int64
	for read < total {
		if err := e.bandwidthManager.Wait(ctx, fmt.Sprintf("%d", req.TaskID), len(buf)); err != nil {
			return err
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := file.WriteAt(buf[:n], offset); werr != nil {
				return werr
			}
			offset += int64(n)
			read += int64(n)
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return rerr
		}
	}
	return nil
}

func partBounds(id, numParts int, totalSize int64) (start, end int64) {
	start = int64(id) * ChunkSize
	end = start + ChunkSize - 1
	if id == numParts-1 || end >= totalSize {
		end = totalSize - 1
	}
	return start, end
}

func partSize(id, numParts int, totalSize int64) int64 {
	start, end := partBounds(id, numParts, totalSize)
	return end - start + 1
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}
