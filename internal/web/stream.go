package web

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	appLog "calsync/internal/log"
)

const streamWriteTimeout = 5 * time.Second

// handleStatusStream pushes a status snapshot on connect and after every
// change to the network status, busy flag or a mutation result.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		appLog.Warn("status stream: accept failed", "err", err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "stream ended")

	// Clients only listen; CloseRead handles pings and the close frame.
	ctx := c.CloseRead(r.Context())
	changed := s.changes(ctx)

	for {
		if err := s.writeSnapshot(ctx, c); err != nil {
			if ctx.Err() == nil {
				appLog.Debug("status stream: write failed", "err", err)
			}
			return
		}
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case <-changed:
		}
	}
}

func (s *Server) writeSnapshot(ctx context.Context, c *websocket.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c, s.snapshot())
}

// changes merges the engine's subscriptions into one coalescing signal.
// The replayed current values fire it once up front.
func (s *Server) changes(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	notify := func() {
		select {
		case out <- struct{}{}:
		default:
		}
	}

	forward := func(ch <-chan struct{}) {
		for range ch {
			notify()
		}
	}

	go forward(signal(s.engine.WatchStatus(ctx)))
	go forward(signal(s.engine.WatchBusy(ctx)))
	go forward(signal(s.engine.WatchCreate(ctx)))
	go forward(signal(s.engine.WatchUpdate(ctx)))
	go forward(signal(s.engine.WatchDelete(ctx)))
	return out
}

// signal drops the values of ch, keeping only the fact that one arrived.
func signal[T any](ch <-chan T) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		defer close(out)
		for range ch {
			out <- struct{}{}
		}
	}()
	return out
}
