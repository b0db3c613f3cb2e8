// Package downloader implements the per-model weight file downloader:
// it serializes concurrent requests for the same URL into one
// in-flight download, and remembers a failed URL for the rest of the
// process lifetime rather than retrying on every subsequent miss.
//
// This is distinct from internal/llmruntime's bootstrap.go, which
// fetches the llama-server binary itself — ambient infrastructure the
// gateway needs regardless of which models are configured. This package
// fetches the GGUF weight files named by ModelConfig.URL.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/runlocal/infergate/internal/domain"
)

// Downloader implements domain.Downloader.
type Downloader struct {
	mu       sync.Mutex
	inFlight map[string]*download
	failed   map[string]error
}

type download struct {
	done chan struct{}
	err  error
}

func New() *Downloader {
	return &Downloader{
		inFlight: make(map[string]*download),
		failed:   make(map[string]error),
	}
}

// Ensure blocks until the file at dest exists, downloading from url if
// necessary. Concurrent calls for the same url share one in-flight
// download. A url that has already failed once in this process is not
// retried unless dest has since appeared on disk.
func (d *Downloader) Ensure(ctx context.Context, url, dest string, progress func(status string, pct float64)) error {
	if _, err := os.Stat(dest); err == nil {
		return nil
	}

	d.mu.Lock()
	if err, tried := d.failed[url]; tried {
		d.mu.Unlock()
		return fmt.Errorf("%w: %v", domain.ErrDownloadFailed, err)
	}
	if dl, ok := d.inFlight[url]; ok {
		d.mu.Unlock()
		select {
		case <-dl.done:
			return dl.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	dl := &download{done: make(chan struct{})}
	d.inFlight[url] = dl
	d.mu.Unlock()

	err := downloadFile(ctx, url, dest, progress)

	d.mu.Lock()
	delete(d.inFlight, url)
	if err != nil {
		d.failed[url] = err
	}
	d.mu.Unlock()

	dl.err = err
	close(dl.done)
	return err
}

func downloadFile(ctx context.Context, url, dest string, progress func(string, float64)) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create models dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: HTTP %d", url, resp.StatusCode)
	}

	tmp := dest + ".download"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	total := resp.ContentLength
	var written int64
	buf := make([]byte, 256*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				os.Remove(tmp)
				return werr
			}
			written += int64(n)
			if progress != nil && total > 0 {
				progress(fmt.Sprintf("downloading %s", filepath.Base(dest)), float64(written)/float64(total)*100)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			os.Remove(tmp)
			return readErr
		}
	}
	f.Close()

	return os.Rename(tmp, dest)
}
