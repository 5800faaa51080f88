// Package fetch retrieves planned tiles from a templated XYZ tile server
// with bounded concurrency, per-tile retry and failure isolation.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/paulmach/orb/maptile"
	log "github.com/sirupsen/logrus"
)

const (
	defaultWorkers   = 10
	defaultAttempts  = 5
	defaultBackoff   = 600 * time.Millisecond
	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "tilemosaic/1.0 (+https://example.local)"

	// Responses below this size are treated as broken tiles and retried.
	defaultMinTileBytes = 200
)

// Options configures a download job. The zero value gets usable defaults.
type Options struct {
	// URL is the tile endpoint template with {z}, {x} and {y} placeholders.
	URL string

	Workers  int           // max concurrent fetches
	Attempts int           // tries per tile before recording a failure
	Backoff  time.Duration // initial retry interval, grows exponentially
	Timeout  time.Duration // per-request timeout

	UserAgent    string
	MinTileBytes int // 0 keeps the default, -1 disables the check

	// Store receives successful tile bytes as they arrive. Purely a
	// pass-through write; store errors are logged, never fatal.
	Store TileStore

	// OnProgress is called after every settled tile (success or exhausted
	// failure) with the number settled so far and the total planned.
	OnProgress func(done, total int)

	// Client overrides the tuned default HTTP client, mainly for tests.
	Client *http.Client
}

// Result is the outcome for a single tile. Either Data or Err is set.
type Result struct {
	Tile maptile.Tile
	Data []byte
	Err  error
}

// Job downloads one planned tile set.
type Job struct {
	ID     string
	opts   Options
	client *http.Client
}

// NewJob applies defaults and prepares an HTTP client sized to the pool.
func NewJob(opts Options) *Job {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.MinTileBytes == 0 {
		opts.MinTileBytes = defaultMinTileBytes
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        opts.Workers,
				MaxIdleConnsPerHost: opts.Workers,
				MaxConnsPerHost:     opts.Workers,
				IdleConnTimeout:     time.Second * 5,
			},
		}
	}
	return &Job{ID: uuid.New().String(), opts: opts, client: client}
}

// Run fetches every tile in the set and returns one Result per settled tile,
// keyed by tile coordinate. A tile that exhausts its retries is recorded as
// a failed Result, not an error. When ctx is cancelled the partial map of
// already-settled tiles is returned together with ctx.Err(); tiles still in
// flight are abandoned.
func (j *Job) Run(ctx context.Context, tiles maptile.Set) (map[maptile.Tile]Result, error) {
	total := len(tiles)
	results := make(map[maptile.Tile]Result, total)
	if total == 0 {
		return results, nil
	}

	tileCh := make(chan maptile.Tile)
	resCh := make(chan Result, j.opts.Workers)

	done := make(chan struct{})
	for i := 0; i < j.opts.Workers; i++ {
		go func() {
			for t := range tileCh {
				resCh <- j.fetchTile(ctx, t)
			}
			done <- struct{}{}
		}()
	}

	go func() {
		defer close(tileCh)
		for t := range tiles {
			select {
			case tileCh <- t:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		for i := 0; i < j.opts.Workers; i++ {
			<-done
		}
		close(resCh)
	}()

	// Single collector goroutine owns the map: one writer per tile key.
	settled := 0
	for r := range resCh {
		if ctx.Err() != nil && r.Err != nil {
			continue // abandoned in-flight fetch, not a real outcome
		}
		results[r.Tile] = r
		settled++
		if r.Err == nil && j.opts.Store != nil {
			if err := j.opts.Store.WriteTile(r.Tile, r.Data); err != nil {
				log.Warnf("job %s: store tile %d/%d/%d failure: %v",
					j.ID, r.Tile.Z, r.Tile.X, r.Tile.Y, err)
			}
		}
		if j.opts.OnProgress != nil {
			j.opts.OnProgress(settled, total)
		}
	}

	if err := ctx.Err(); err != nil {
		log.Infof("job %s got canceled, %d/%d tiles settled", j.ID, settled, total)
		return results, err
	}
	return results, nil
}

func (j *Job) fetchTile(ctx context.Context, t maptile.Tile) Result {
	url := expandURL(j.opts.URL, t)

	var data []byte
	op := func() error {
		var err error
		data, err = j.get(ctx, url)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = j.opts.Backoff
	bo.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(j.opts.Attempts-1)), ctx))
	if err != nil {
		if ctx.Err() == nil {
			log.Errorf("job %s: fetch %d/%d/%d gave up: %v", j.ID, t.Z, t.X, t.Y, err)
		}
		return Result{Tile: t, Err: err}
	}
	return Result{Tile: t, Data: data}
}

// get performs one attempt. Network errors, retryable statuses and truncated
// bodies come back as plain errors so the backoff loop tries again; any other
// non-2xx status is permanent.
func (j *Job) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("User-Agent", j.opts.UserAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := j.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Warnf("response close failure")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("fetch: status %d", resp.StatusCode)
		if retryableStatus(resp.StatusCode) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if j.opts.MinTileBytes > 0 && len(body) < j.opts.MinTileBytes {
		return nil, fmt.Errorf("fetch: suspiciously small tile response (%d bytes)", len(body))
	}
	return body, nil
}

// retryableStatus mirrors the usual transient set for tile servers.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

func expandURL(template string, t maptile.Tile) string {
	url := strings.Replace(template, "{x}", strconv.Itoa(int(t.X)), -1)
	url = strings.Replace(url, "{y}", strconv.Itoa(int(t.Y)), -1)
	url = strings.Replace(url, "{z}", strconv.Itoa(int(t.Z)), -1)
	return url
}
