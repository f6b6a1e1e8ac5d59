// Package relay pumps upstream chunks to the client while accumulating the
// full response text. The accumulated text survives client disconnects and
// mid-stream failures, so billing and history stay accurate even for partial
// responses.
package relay

import (
	"context"
	"strings"
	"time"

	log "github.com/lumenchat/relay/internal/logging"
	"github.com/lumenchat/relay/internal/upstream"
)

// Policy controls what happens to an in-flight upstream stream when the
// client disconnects.
type Policy struct {
	// DrainOnCancel keeps reading the upstream to completion after the
	// client goes away, preserving the full text for history. When false
	// the upstream is cancelled immediately and the partial text is kept.
	DrainOnCancel bool
	// DrainTimeout bounds the post-disconnect drain so a stalled upstream
	// cannot pin the goroutine.
	DrainTimeout time.Duration
}

// Outcome is the result of pumping one stream.
type Outcome struct {
	// Text is everything received from the upstream, including partial
	// output from cancelled or failed streams.
	Text string
	// Usage is the provider-reported accounting, when the stream ran to
	// completion.
	Usage *upstream.Usage
	// Err is a mid-stream failure, nil for clean completion or client
	// cancellation.
	Err error
	// ClientGone reports that the client disconnected before the stream
	// finished.
	ClientGone bool
	Chunks     int
	Duration   time.Duration
}

// Run forwards chunks to onChunk until the stream closes or callerCtx is
// cancelled. cancelUpstream aborts the upstream dispatch; Run always calls
// it before returning so the upstream goroutine can exit.
//
// After client disconnect no further onChunk calls are made, but received
// text keeps accumulating according to the drain policy.
func Run(callerCtx context.Context, cancelUpstream context.CancelFunc, chunks <-chan upstream.Chunk, onChunk func(text string), policy Policy) *Outcome {
	defer cancelUpstream()

	start := time.Now()
	var sb strings.Builder
	out := &Outcome{}

	forward := func(c upstream.Chunk) bool {
		if c.Err != nil {
			out.Err = c.Err
			return false
		}
		if c.Text != "" {
			sb.WriteString(c.Text)
			out.Chunks++
			if onChunk != nil {
				onChunk(c.Text)
			}
		}
		if c.Usage != nil {
			out.Usage = c.Usage
		}
		return true
	}

loop:
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				break loop
			}
			if !forward(c) {
				break loop
			}
		case <-callerCtx.Done():
			out.ClientGone = true
			drain(cancelUpstream, chunks, &sb, out, policy)
			break loop
		}
	}

	out.Text = sb.String()
	out.Duration = time.Since(start)
	return out
}

// drain handles the post-disconnect phase: either cancel the upstream at
// once or keep accumulating until completion or the drain deadline.
func drain(cancelUpstream context.CancelFunc, chunks <-chan upstream.Chunk, sb *strings.Builder, out *Outcome, policy Policy) {
	if !policy.DrainOnCancel {
		cancelUpstream()
		// Collect whatever the upstream goroutine already buffered.
		for c := range chunks {
			if c.Err != nil {
				return
			}
			sb.WriteString(c.Text)
			if c.Usage != nil {
				out.Usage = c.Usage
			}
		}
		return
	}

	deadline := time.NewTimer(policy.DrainTimeout)
	defer deadline.Stop()
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				return
			}
			if c.Err != nil {
				out.Err = c.Err
				return
			}
			sb.WriteString(c.Text)
			if c.Usage != nil {
				out.Usage = c.Usage
			}
		case <-deadline.C:
			log.Warnf("relay: drain timed out after %v, cancelling upstream", policy.DrainTimeout)
			cancelUpstream()
			for c := range chunks {
				if c.Err != nil {
					return
				}
				sb.WriteString(c.Text)
			}
			return
		}
	}
}
