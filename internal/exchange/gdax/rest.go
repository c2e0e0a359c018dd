package gdax

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/divir94/bitcoin/internal/config"
	"github.com/divir94/bitcoin/internal/infra/metrics"
	"github.com/divir94/bitcoin/internal/infra/network"
	"github.com/divir94/bitcoin/internal/orderbook"
)

const name = "gdax"

// SnapshotFetchError is returned once every retry of a snapshot request has failed.
type SnapshotFetchError struct {
	Level    int
	Attempts int
	Err      error
}

func (e *SnapshotFetchError) Error() string {
	return fmt.Sprintf("fetch level %d snapshot: gave up after %d attempts: %v", e.Level, e.Attempts, e.Err)
}

func (e *SnapshotFetchError) Unwrap() error { return e.Err }

// Client fetches order book snapshots from the exchange REST API.
type Client struct {
	baseURL    string
	product    string
	maxRetries int
	http       *http.Client
	limiter    *rate.Limiter
	backoff    func() backoff.BackOff
	log        zerolog.Logger
}

func NewClient(cfg config.Config, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    cfg.Feed.RESTURL,
		product:    cfg.Feed.ProductID,
		maxRetries: cfg.Snapshot.MaxRetries,
		http:       network.NewHTTPClient(time.Duration(cfg.Snapshot.TimeoutSeconds) * time.Second),
		limiter:    network.NewLimiter(cfg.Snapshot.RatePerSecond, 1),
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
		log: logger,
	}
}

type bookResponse struct {
	Sequence int64   `json:"sequence"`
	Bids     [][]any `json:"bids"`
	Asks     [][]any `json:"asks"`
}

// FetchSnapshot requests the book at the given level, retrying transient failures with
// exponential backoff. 4xx responses other than 429 are not retried.
func (c *Client) FetchSnapshot(ctx context.Context, level int) (orderbook.Snapshot, error) {
	if level != 2 && level != 3 {
		return orderbook.Snapshot{}, fmt.Errorf("unsupported snapshot level %d", level)
	}
	attempts := 0
	op := func() (orderbook.Snapshot, error) {
		attempts++
		if err := c.limiter.Wait(ctx); err != nil {
			return orderbook.Snapshot{}, backoff.Permanent(err)
		}
		start := time.Now()
		snap, err := c.fetchOnce(ctx, level)
		if err != nil {
			metrics.APIErrorsTotal.WithLabelValues(name, "book").Inc()
			return snap, err
		}
		metrics.SnapshotLatencyMs.WithLabelValues(strconv.Itoa(level)).Observe(float64(time.Since(start).Milliseconds()))
		return snap, nil
	}
	notify := func(err error, next time.Duration) {
		c.log.Warn().Err(err).Int("level", level).Int("attempt", attempts).Dur("retry_in", next).Msg("snapshot fetch failed")
	}
	tries := c.maxRetries
	if tries < 1 {
		tries = 1
	}
	snap, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.backoff()),
		backoff.WithMaxTries(uint(tries)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return orderbook.Snapshot{}, &SnapshotFetchError{Level: level, Attempts: attempts, Err: err}
	}
	return snap, nil
}

func (c *Client) fetchOnce(ctx context.Context, level int) (orderbook.Snapshot, error) {
	url := fmt.Sprintf("%s/products/%s/book?level=%d", c.baseURL, c.product, level)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return orderbook.Snapshot{}, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "bitcoin-book/1")
	resp, err := c.http.Do(req)
	if err != nil {
		return orderbook.Snapshot{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
			return orderbook.Snapshot{}, backoff.RetryAfter(s)
		}
		return orderbook.Snapshot{}, fmt.Errorf("book: %s", resp.Status)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return orderbook.Snapshot{}, backoff.Permanent(fmt.Errorf("book: %s: %s", resp.Status, body))
	case resp.StatusCode != http.StatusOK:
		return orderbook.Snapshot{}, fmt.Errorf("book: %s", resp.Status)
	}

	var br bookResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return orderbook.Snapshot{}, fmt.Errorf("decode book: %w", err)
	}
	return parseBook(br, level)
}

func parseBook(br bookResponse, level int) (orderbook.Snapshot, error) {
	if br.Sequence <= 0 {
		return orderbook.Snapshot{}, fmt.Errorf("book without sequence")
	}
	snap := orderbook.Snapshot{Sequence: br.Sequence, Level: level}
	var err error
	if snap.Bids, err = parseRows(br.Bids, level); err != nil {
		return orderbook.Snapshot{}, fmt.Errorf("bids: %w", err)
	}
	if snap.Asks, err = parseRows(br.Asks, level); err != nil {
		return orderbook.Snapshot{}, fmt.Errorf("asks: %w", err)
	}
	return snap, nil
}

// parseRows reads [price, size, order_id] rows; level 2 rows carry an order count in
// the third slot instead, which is dropped.
func parseRows(rows [][]any, level int) ([]orderbook.Entry, error) {
	out := make([]orderbook.Entry, 0, len(rows))
	for i, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("row %d: %d fields", i, len(row))
		}
		price, err := decimalField(row[0])
		if err != nil {
			return nil, fmt.Errorf("row %d price: %w", i, err)
		}
		size, err := decimalField(row[1])
		if err != nil {
			return nil, fmt.Errorf("row %d size: %w", i, err)
		}
		e := orderbook.Entry{Price: price, Size: size}
		if level == 3 {
			if len(row) < 3 {
				return nil, fmt.Errorf("row %d: missing order id", i)
			}
			id, ok := row[2].(string)
			if !ok || id == "" {
				return nil, fmt.Errorf("row %d: bad order id %v", i, row[2])
			}
			e.OrderID = id
		}
		out = append(out, e)
	}
	return out, nil
}

func decimalField(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case string:
		return decimal.NewFromString(x)
	case float64:
		return decimal.NewFromFloat(x), nil
	}
	return decimal.Decimal{}, fmt.Errorf("unexpected %T", v)
}
