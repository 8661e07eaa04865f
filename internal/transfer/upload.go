package transfer

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"project-tachyon/internal/storage"
)

// UploadRequest carries one multi-file upload task's parameters. Unlike
// downloads, an upload attempt sends every file in FileSpecs sequentially
// over one multipart body (original_source upload_task.cpp's file-array
// loop), since the HTTP/1.1 servers this targets expect one request per
// task rather than one connection per file.
type UploadRequest struct {
	TaskID   uint32
	URL      string
	Method   string
	Headers  []storage.HeaderPair
	FileSpecs []storage.FileSpec
	Proxy    string
	Pins     []string
}

// FileStatusFunc reports per-file completion as each part of the
// multipart body finishes streaming (spec §3's per_file_statuses).
type FileStatusFunc func(index int, status, reason string)

// Upload executes one attempt of a multi-file upload task: it streams
// every file in order into a single multipart/form-data request body via
// an io.Pipe, so the whole task never needs to buffer more than one
// read-buffer's worth of file content in memory.
func (e *Engine) Upload(ctx context.Context, req UploadRequest, stop *ForceStop, onProgress ProgressFunc, onFileStatus FileStatusFunc) *DownloadResult {
	client, err := e.clientForTask(req.Proxy, req.Pins)
	if err != nil {
		return &DownloadResult{Outcome: OutcomeFailed, Err: err}
	}

	var totalSize int64
	for _, fs := range req.FileSpecs {
		if info, statErr := os.Stat(fs.Path); statErr == nil {
			totalSize += info.Size()
		}
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	method := req.Method
	if method == "" {
		method = http.MethodPut
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.streamMultipartFiles(ctx, mw, pw, req, stop, totalSize, onProgress, onFileStatus)
	}()

	hreq, herr := e.newRequest(ctx, method, req.URL, req.Headers)
	if herr != nil {
		pr.Close()
		return &DownloadResult{Outcome: OutcomeFailed, Err: herr}
	}
	hreq.Body = pr
	hreq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, derr := client.Do(hreq)
	streamErr := <-errCh

	if derr != nil {
		return &DownloadResult{Outcome: OutcomeRetrying, Err: newError(KindTransient, 0, "upload connect failed", derr)}
	}
	defer resp.Body.Close()

	if streamErr != nil {
		if stopped, remove := stop.IsSet(); stopped {
			if remove {
				return &DownloadResult{Outcome: OutcomeRemoved, TotalSize: totalSize}
			}
			return &DownloadResult{Outcome: OutcomePaused, TotalSize: totalSize}
		}
		return &DownloadResult{Outcome: OutcomeFailed, Err: newError(KindFile, 0, "upload read failed", streamErr), TotalSize: totalSize}
	}

	if resp.StatusCode == http.StatusForbidden {
		return &DownloadResult{Outcome: OutcomeFailed, NeedsAuth: true}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DownloadResult{Outcome: OutcomeFailed, Err: newError(KindHTTP, resp.StatusCode, "unhandled_http_code", nil)}
	}

	return &DownloadResult{Outcome: OutcomeCompleted, TotalSize: totalSize, Processed: totalSize, MimeType: resp.Header.Get("Content-Type")}
}

// streamMultipartFiles writes every FileSpec into mw in order, applying
// the bandwidth manager and a per-read watchdog to each chunk, and
// reporting per-file terminal status as it goes.
func (e *Engine) streamMultipartFiles(ctx context.Context, mw *multipart.Writer, pw *io.PipeWriter, req UploadRequest, stop *ForceStop, totalSize int64, onProgress ProgressFunc, onFileStatus FileStatusFunc) error {
	defer pw.Close()
	defer mw.Close()

	bufPtr := e.bufferPool.Get().(*[]byte)
	defer e.bufferPool.Put(bufPtr)
	buf := *bufPtr

	var sent int64

	for idx, fs := range req.FileSpecs {
		if stopped, _ := stop.IsSet(); stopped {
			if onFileStatus != nil {
				onFileStatus(idx, "failed", "user")
			}
			return fmt.Errorf("upload stopped before file %d", idx)
		}

		f, err := os.Open(fs.Path)
		if err != nil {
			if onFileStatus != nil {
				onFileStatus(idx, "failed", "file")
			}
			pw.CloseWithError(err)
			return err
		}

		part, err := mw.CreateFormFile(fmt.Sprintf("file%d", idx), fs.Filename)
		if err != nil {
			f.Close()
			pw.CloseWithError(err)
			return err
		}

		if err := e.copyWithWatchdog(ctx, part, f, buf, &sent, totalSize, onProgress); err != nil {
			f.Close()
			if onFileStatus != nil {
				onFileStatus(idx, "failed", "transient_network")
			}
			pw.CloseWithError(err)
			return err
		}
		f.Close()
		if onFileStatus != nil {
			onFileStatus(idx, "success", "none")
		}
	}
	return nil
}

// copyWithWatchdog streams src into dst in BufferSize chunks, resetting a
// per-read deadline on every successful read so a stalled peer connection
// fails the attempt instead of hanging forever.
func (e *Engine) copyWithWatchdog(ctx context.Context, dst io.Writer, src io.Reader, buf []byte, sent *int64, totalSize int64, onProgress ProgressFunc) error {
	lastEmit := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			*sent += int64(n)
			if onProgress != nil && time.Since(lastEmit) > 200*time.Millisecond {
				onProgress(*sent, totalSize)
				lastEmit = time.Now()
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}
