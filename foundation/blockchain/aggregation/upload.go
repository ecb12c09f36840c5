package aggregation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/ardanlabs/casino/foundation/blockchain/database"
	"github.com/ardanlabs/casino/foundation/blockchain/metrics"
	"github.com/hashicorp/go-cleanhttp"
)

// Upload is the document posted to the indexer for every certified height.
type Upload struct {
	Summary     database.Summary `json:"summary"`
	Certificate FixedCertificate `json:"certificate"`
	Bundle      *Bundle          `json:"bundle,omitempty"`
}

// uploader posts certified summaries to the indexer in height order. The
// cursor is only advanced once the indexer accepted a height, so a height
// may be posted more than once but never skipped.
type uploader struct {
	url       string
	client    *http.Client
	retryMin  time.Duration
	retryMax  time.Duration
	store     *store
	certified <-chan struct{}
	metrics   *metrics.Metrics
	evHandler EventHandler
}

func newUploader(indexer string, retryMin time.Duration, retryMax time.Duration, st *store, certified <-chan struct{}, m *metrics.Metrics, ev EventHandler) *uploader {
	if retryMin <= 0 {
		retryMin = 250 * time.Millisecond
	}
	if retryMax < retryMin {
		retryMax = 64 * retryMin
	}

	return &uploader{
		url:       strings.TrimSuffix(indexer, "/") + "/summaries",
		client:    cleanhttp.DefaultPooledClient(),
		retryMin:  retryMin,
		retryMax:  retryMax,
		store:     st,
		certified: certified,
		metrics:   m,
		evHandler: ev,
	}
}

// run uploads until the context is cancelled. Failures are retried with a
// jittered exponential backoff.
func (u *uploader) run(ctx context.Context) {
	u.evHandler("aggregation: uploader: started: url[%s]", u.url)
	defer u.evHandler("aggregation: uploader: completed")

	var attempt int
	for {
		err := u.next(ctx)
		switch {
		case err == nil:
			attempt = 0
			continue

		case errors.Is(err, ErrNotFound):

			// Nothing certified past the cursor, wait to be signaled.
			attempt = 0
			select {
			case <-u.certified:
			case <-time.After(u.retryMax):
			case <-ctx.Done():
				return
			}
			continue
		}

		if ctx.Err() != nil {
			return
		}

		delay := backoff(u.retryMin, u.retryMax, attempt)
		attempt++

		u.evHandler("aggregation: uploader: ERROR: %s: retry in %v", err, delay)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

// next uploads the height after the cursor. ErrNotFound means it has not
// been certified yet.
func (u *uploader) next(ctx context.Context) error {
	cursor, err := u.store.cursor()
	if err != nil {
		return err
	}
	height := cursor + 1

	cert, err := u.store.certificate(height)
	if err != nil {
		return err
	}

	sum, err := u.store.summary(height)
	if err != nil {
		return fmt.Errorf("summary %d: %w", height, err)
	}

	up := Upload{Summary: sum, Certificate: cert}
	if b, err := u.store.bundle(height); err == nil {
		up.Bundle = &b
	}

	if err := u.post(ctx, up); err != nil {
		return fmt.Errorf("height %d: %w", height, err)
	}

	if err := u.store.advance(height); err != nil {
		return err
	}
	u.metrics.SetUploaded(height)

	u.evHandler("aggregation: uploader: uploaded: height[%d]", height)

	return nil
}

func (u *uploader) post(ctx context.Context, up Upload) error {
	data, err := json.Marshal(up)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	// The indexer answers conflict for a height it already has.
	if resp.StatusCode == http.StatusConflict {
		return nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("indexer status %d", resp.StatusCode)
	}

	return nil
}

// backoff returns the delay before the retry. The ceiling doubles with
// every attempt up to the limit and the delay is drawn from its upper half.
func backoff(first time.Duration, limit time.Duration, attempt int) time.Duration {
	d := first
	for i := 0; i < attempt && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}

	half := d / 2
	return half + rand.N(half+1)
}
