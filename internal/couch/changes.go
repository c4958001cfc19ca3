package couch

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ChangeRow is one entry of a database _changes feed.
type ChangeRow struct {
	ID      string   `json:"id"`
	Deleted bool     `json:"deleted"`
	Doc     Document `json:"doc"`
}

// Watcher tails a database's continuous _changes feed from "now" onwards.
// The feed reconnects on stream errors until Stop is called; changes emitted
// while disconnected are not replayed.
type Watcher struct {
	database string
	events   chan ChangeRow
	cancel   context.CancelFunc
	done     chan struct{}
}

func (w *Watcher) Database() string {
	return w.database
}

func (w *Watcher) Events() <-chan ChangeRow {
	return w.events
}

func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// Changes attaches a watcher to the named database. Events carry full
// document bodies and are relative to the moment of attachment.
func (c *Client) Changes(ctx context.Context, name string) (*Watcher, error) {
	feedCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		database: name,
		events:   make(chan ChangeRow, 64),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		defer close(w.events)
		for {
			if err := c.streamChanges(feedCtx, name, w.events); err != nil {
				if feedCtx.Err() != nil {
					return
				}
			}
			select {
			case <-feedCtx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()
	return w, nil
}

func (c *Client) streamChanges(ctx context.Context, name string, events chan<- ChangeRow) error {
	target := c.baseURL + "/" + url.PathEscape(name) +
		"/_changes?feed=continuous&since=now&include_docs=true&heartbeat=30000"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	// The configured client carries a request timeout that would cut a
	// continuous feed short; stream with its transport but no deadline.
	feedClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := feedClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			// Heartbeat.
			continue
		}
		var row ChangeRow
		if err := json.Unmarshal([]byte(line), &row); err != nil || row.ID == "" {
			continue
		}
		select {
		case events <- row:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}
