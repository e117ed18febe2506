package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"chained/internal/domain"
	"chained/internal/engine"
)

const forwarderTimeout = 5 * time.Second

// forwarder tails the journal and posts assignment and evolution events
// to the configured telemetry webhook. Delivery is at-least-once in
// journal order; the cursor only advances past delivered events, so a
// failed POST is retried on the next tick.
type forwarder struct {
	engine engine.Engine
	url    string
	batch  int
	poll   time.Duration
	client *http.Client

	mu     sync.Mutex
	cursor int64
}

// StartForwarder launches the telemetry forwarder when a webhook URL is
// configured. It forwards events appended after startup.
func StartForwarder(e engine.Engine) {
	if e.Config == nil || strings.TrimSpace(e.Config.Telemetry.WebhookURL) == "" {
		return
	}
	t := e.Config.Telemetry
	f := &forwarder{
		engine: e,
		url:    t.WebhookURL,
		batch:  t.BatchSize,
		poll:   time.Duration(t.PollMS) * time.Millisecond,
		client: &http.Client{Timeout: forwarderTimeout},
	}
	if f.batch <= 0 {
		f.batch = 100
	}
	if f.poll <= 0 {
		f.poll = 2 * time.Second
	}
	cursor, err := e.Registry.LatestEventID(context.Background())
	if err != nil {
		log.Printf("telemetry: init cursor failed: %v", err)
	}
	f.cursor = cursor
	go f.run()
}

func (f *forwarder) run() {
	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()
	for {
		f.forward()
		<-ticker.C
	}
}

func (f *forwarder) forward() {
	ctx := context.Background()
	f.mu.Lock()
	cursor := f.cursor
	f.mu.Unlock()
	items, err := f.engine.Registry.EventsAfter(ctx, f.batch, cursor)
	if err != nil {
		log.Printf("telemetry: fetch events failed: %v", err)
		return
	}
	for _, evt := range items {
		if err := f.post(ctx, evt); err != nil {
			log.Printf("telemetry: deliver to %s failed: %v", f.url, err)
			return
		}
		f.mu.Lock()
		f.cursor = evt.ID
		f.mu.Unlock()
	}
}

type telemetryEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (f *forwarder) post(ctx context.Context, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(telemetryEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.Actor,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Chained-Event", evt.Type)
	req.Header.Set("X-Chained-Delivery", fmt.Sprintf("%d", evt.ID))
	res, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
