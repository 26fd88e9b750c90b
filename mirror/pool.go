package mirror

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"cdr.dev/slog"

	"github.com/coder/code-mirror/storage"
	"github.com/coder/code-mirror/upstream"
)

// Progress is a live view of a pool run.
type Progress struct {
	Total  int64
	Done   atomic.Int64
	Failed atomic.Int64
	Bytes  atomic.Int64
}

// Pool executes work items with bounded concurrency.  Each job probes the
// store, streams the upstream body into a temporary, verifies declared size
// and hash, and commits atomically.  Verification failures are retried with
// backoff before escalating to a failure record.
type Pool struct {
	Client *upstream.Client
	Store  *storage.Store
	Logger slog.Logger
	// Width caps concurrent downloads.  Defaults to 8.
	Width int
	// RetryMax is the per-job attempt count.  Defaults to 3.
	RetryMax int
	// RetryWait is the base backoff between attempts, doubled each retry.
	RetryWait time.Duration
}

// Result reports a pool run: which destinations failed and why, and the
// size and hash committed for each fresh download.
type Result struct {
	Failures map[string]error
	Observed map[string]storage.Expect
	Progress *Progress
}

// Failed reports whether the item destined for dest failed.
func (r *Result) Failed(dest string) bool {
	_, ok := r.Failures[dest]
	return ok
}

// Fetch runs all items through the pool.  Cancellation aborts in-flight
// streams at chunk boundaries; committed files remain.
func (p *Pool) Fetch(ctx context.Context, items []WorkItem) *Result {
	width := p.Width
	if width <= 0 {
		width = 8
	}
	retryMax := p.RetryMax
	if retryMax <= 0 {
		retryMax = 3
	}
	retryWait := p.RetryWait
	if retryWait <= 0 {
		retryWait = time.Second
	}

	result := &Result{
		Failures: map[string]error{},
		Observed: map[string]storage.Expect{},
		Progress: &Progress{Total: int64(len(items))},
	}
	var mu sync.Mutex

	eg := errgroup.Group{}
	eg.SetLimit(width)
	for _, item := range items {
		item := item
		eg.Go(func() error {
			obs, err := p.fetchOne(ctx, item, retryMax, retryWait, result.Progress)
			if err != nil {
				result.Progress.Failed.Add(1)
				downloadsTotal.WithLabelValues("failed").Inc()
				p.Logger.Warn(ctx, "download failed",
					slog.F("url", item.URL), slog.F("dest", item.Dest), slog.Error(err))
				mu.Lock()
				result.Failures[item.Dest] = err
				mu.Unlock()
			} else {
				result.Progress.Done.Add(1)
				downloadsTotal.WithLabelValues("ok").Inc()
				if obs != nil {
					mu.Lock()
					result.Observed[item.Dest] = *obs
					mu.Unlock()
				}
			}
			return nil
		})
	}
	_ = eg.Wait()
	return result
}

func (p *Pool) fetchOne(ctx context.Context, item WorkItem, retryMax int, retryWait time.Duration, progress *Progress) (*storage.Expect, error) {
	// Satisfaction probe: a matching file means nothing to do.  A size or
	// hash mismatch is treated as absent and re-downloaded.
	if p.Store.Has(item.Dest, storage.Expect{Size: item.Size, SHA256: item.SHA256}) {
		p.Logger.Debug(ctx, "already downloaded", slog.F("dest", item.Dest))
		return nil, nil
	}

	var err error
	for attempt := 0; attempt < retryMax; attempt++ {
		if attempt > 0 {
			wait := retryWait << (attempt - 1)
			p.Logger.Debug(ctx, "retrying download",
				slog.F("url", item.URL), slog.F("attempt", attempt+1), slog.F("wait", wait))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		var obs *storage.Expect
		obs, err = p.download(ctx, item, progress)
		if err == nil {
			return obs, nil
		}
		if xerrors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, err
		}
		// 4xx will not get better on retry.
		var statusErr *upstream.StatusError
		if xerrors.As(err, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500 {
			return nil, err
		}
	}
	return nil, err
}

func (p *Pool) download(ctx context.Context, item WorkItem, progress *Progress) (*storage.Expect, error) {
	body, declared, err := p.Client.Download(ctx, item.URL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	expect := storage.Expect{Size: item.Size, SHA256: item.SHA256}
	if expect.Size == 0 && declared > 0 {
		expect.Size = declared
	}
	w, err := p.Store.OpenWrite(item.Dest, expect)
	if err != nil {
		return nil, err
	}
	n, err := io.Copy(w, readerContext(ctx, body))
	if err != nil {
		w.Abort()
		return nil, err
	}
	if err := w.Commit(); err != nil {
		return nil, err
	}
	progress.Bytes.Add(n)
	downloadBytes.Add(float64(n))
	obs := w.Observed()
	return &obs, nil
}

// readerContext makes a reader cancellable at chunk boundaries.
func readerContext(ctx context.Context, r io.Reader) io.Reader {
	return readerFunc(func(p []byte) (int, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return r.Read(p)
	})
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) {
	return f(p)
}
