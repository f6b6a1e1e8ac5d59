package upstream

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/lumenchat/relay/internal/logging"
)

// streamBody wraps an HTTP response body with context-aware cancellation and
// an idle watchdog. Cancelling the context closes the body immediately,
// unblocking any pending Read. The watchdog only fires if the upstream stops
// producing data entirely; it never cuts an active stream.
type streamBody struct {
	body         io.ReadCloser
	ctx          context.Context
	closed       atomic.Bool
	closeOnce    sync.Once
	closeErr     error
	lastActivity atomic.Int64
	idleTimeout  time.Duration
	stopWatch    chan struct{}
	name         string
}

// newStreamBody wraps body. idleTimeout zero disables the watchdog.
func newStreamBody(ctx context.Context, body io.ReadCloser, idleTimeout time.Duration, name string) *streamBody {
	sb := &streamBody{
		body:        body,
		ctx:         ctx,
		idleTimeout: idleTimeout,
		stopWatch:   make(chan struct{}),
		name:        name,
	}
	sb.touch()

	go sb.watchContext()
	if idleTimeout > 0 {
		go sb.watchIdle()
	}
	return sb
}

func (sb *streamBody) touch() {
	sb.lastActivity.Store(time.Now().UnixNano())
}

func (sb *streamBody) watchContext() {
	select {
	case <-sb.ctx.Done():
		sb.closeWithReason("context cancelled")
	case <-sb.stopWatch:
	}
}

func (sb *streamBody) watchIdle() {
	// Check at 1/4 of the timeout, clamped between 10s and 30s.
	checkInterval := sb.idleTimeout / 4
	if checkInterval < 10*time.Second {
		checkInterval = 10 * time.Second
	}
	if checkInterval > 30*time.Second {
		checkInterval = 30 * time.Second
	}

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sb.ctx.Done():
			return
		case <-sb.stopWatch:
			return
		case <-ticker.C:
			if sb.closed.Load() {
				return
			}
			idle := time.Since(time.Unix(0, sb.lastActivity.Load()))
			if idle > sb.idleTimeout {
				log.Warnf("%s: stream stalled for %v (limit %v), closing",
					sb.name, idle.Round(time.Second), sb.idleTimeout)
				sb.closeWithReason("idle timeout")
				return
			}
		}
	}
}

func (sb *streamBody) Read(p []byte) (int, error) {
	if sb.closed.Load() {
		return 0, io.EOF
	}
	n, err := sb.body.Read(p)
	if n > 0 {
		sb.touch()
	}
	return n, err
}

func (sb *streamBody) closeWithReason(reason string) {
	sb.closeOnce.Do(func() {
		sb.closed.Store(true)
		sb.closeErr = sb.body.Close()
		log.Debugf("%s: stream closed: %s", sb.name, reason)
	})
}

// Close is safe to call multiple times.
func (sb *streamBody) Close() error {
	sb.closeWithReason("explicit close")
	select {
	case <-sb.stopWatch:
	default:
		close(sb.stopWatch)
	}
	return sb.closeErr
}
