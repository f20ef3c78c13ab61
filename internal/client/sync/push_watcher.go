package sync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	pushChannelSize  = 8
	pushPingPeriod   = 15 * time.Second
	pushWriteTimeout = 5 * time.Second
)

// pushWatcher wraps a websocket connection to the server's change-notify
// endpoint. It exists purely as a fast path: WaitForChanges still falls back
// to HTTP long-poll, so a pushWatcher that never connects (or drops) only
// costs latency, never correctness.
type pushWatcher struct {
	conn      *websocket.Conn
	notify    chan struct{}
	closed    chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func dialPushWatcher(ctx context.Context, wsURL string) (*pushWatcher, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(-1)

	w := &pushWatcher{
		conn:    conn,
		notify:  make(chan struct{}, pushChannelSize),
		closed:  make(chan struct{}),
		closing: make(chan struct{}),
	}
	w.wg.Add(2)
	go w.readLoop(ctx)
	go w.pingLoop(ctx)
	return w, nil
}

// Notify yields whenever the server pushes a change-available frame.
func (w *pushWatcher) Notify() <-chan struct{} {
	return w.notify
}

func (w *pushWatcher) Close() {
	w.closeConn(websocket.StatusNormalClosure, "shutdown")
	w.wg.Wait()
}

func (w *pushWatcher) closeConn(status websocket.StatusCode, reason string) {
	w.closeOnce.Do(func() {
		close(w.closing)
		w.conn.Close(status, reason)
		close(w.closed)
		close(w.notify)
	})
}

func (w *pushWatcher) readLoop(ctx context.Context) {
	defer func() {
		w.wg.Done()
		w.closeConn(websocket.StatusNormalClosure, "shutdown")
	}()
	for {
		_, _, err := w.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Debug("push watcher: read", "error", err)
			}
			return
		}
		select {
		case w.notify <- struct{}{}:
		default:
			// a pending notification already covers this one
		}
	}
}

func (w *pushWatcher) pingLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(pushPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.closing:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pushWriteTimeout)
			err := w.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				w.closeConn(websocket.StatusNormalClosure, "ping failed")
				return
			}
		}
	}
}
