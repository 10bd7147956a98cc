package httpapi

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/envelopes/internal/syncer"
	"github.com/MarkoPoloResearchLab/envelopes/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	eventTypeHello  = "hello"
	eventTypeChange = "change"
	eventTypeSync   = "sync"

	subscriberBuffer  = 32
	syncEventInterval = 15 * time.Second
	eventWriteTimeout = 5 * time.Second
)

type writeEvent struct {
	Kind       ledger.WriteKind  `json:"kind"`
	Collection ledger.Collection `json:"collection"`
	DocumentID string            `json:"documentId"`
}

type streamEvent struct {
	Type      string       `json:"type"`
	Sequence  uint64       `json:"sequence,omitempty"`
	Operation string       `json:"operation,omitempty"`
	Writes    []writeEvent `json:"writes,omitempty"`
	Sync      syncer.Meta  `json:"sync"`
}

// hub fans committed ledger changes out to websocket subscribers. Slow subscribers miss
// changes rather than blocking the ledger.
type hub struct {
	mu          sync.Mutex
	subscribers map[chan ledger.Change]struct{}
}

func newHub() *hub {
	return &hub{subscribers: make(map[chan ledger.Change]struct{})}
}

func (events *hub) ObserveChange(change ledger.Change) {
	events.mu.Lock()
	defer events.mu.Unlock()
	for subscriber := range events.subscribers {
		select {
		case subscriber <- change:
		default:
		}
	}
}

func (events *hub) subscribe() (<-chan ledger.Change, func()) {
	subscriber := make(chan ledger.Change, subscriberBuffer)
	events.mu.Lock()
	events.subscribers[subscriber] = struct{}{}
	events.mu.Unlock()
	return subscriber, func() {
		events.mu.Lock()
		delete(events.subscribers, subscriber)
		events.mu.Unlock()
	}
}

// handleEvents streams ledger changes and periodic sync status over a websocket.
func (handler *httpHandler) handleEvents(ctx *gin.Context) {
	acceptOptions := &websocket.AcceptOptions{}
	if len(handler.origins) > 0 {
		acceptOptions.OriginPatterns = originPatterns(handler.origins)
	}
	conn, err := websocket.Accept(ctx.Writer, ctx.Request, acceptOptions)
	if err != nil {
		handler.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	changes, unsubscribe := handler.hub.subscribe()
	defer unsubscribe()

	streamCtx := conn.CloseRead(ctx.Request.Context())
	if err := handler.writeEvent(streamCtx, conn, streamEvent{Type: eventTypeHello}); err != nil {
		return
	}
	ticker := time.NewTicker(syncEventInterval)
	defer ticker.Stop()
	for {
		select {
		case <-streamCtx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case change := <-changes:
			event := streamEvent{Type: eventTypeChange, Sequence: change.Sequence, Operation: change.Operation}
			for _, write := range change.Writes {
				event.Writes = append(event.Writes, writeEvent{Kind: write.Kind, Collection: write.Collection, DocumentID: write.DocumentID})
			}
			if err := handler.writeEvent(streamCtx, conn, event); err != nil {
				return
			}
		case <-ticker.C:
			if err := handler.writeEvent(streamCtx, conn, streamEvent{Type: eventTypeSync}); err != nil {
				return
			}
		}
	}
}

func (handler *httpHandler) writeEvent(ctx context.Context, conn *websocket.Conn, event streamEvent) error {
	event.Sync = handler.reconciler.Meta()
	writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, conn, event); err != nil {
		handler.logger.Debug("event stream write failed", zap.Error(err))
		return err
	}
	return nil
}

// originPatterns strips the scheme from allowed origins; websocket origin patterns match hosts.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
		patterns = append(patterns, origin)
	}
	return patterns
}
