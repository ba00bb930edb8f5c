// Package engine drives the transfer of messages from configured source
// mailboxes into their destination mailboxes, tracking processed
// identifiers so each message is delivered at most once.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/techstrom/emailTransferrer/internal/config"
	"github.com/techstrom/emailTransferrer/internal/session"
	"github.com/techstrom/emailTransferrer/internal/state"
	"github.com/techstrom/emailTransferrer/internal/transport"
)

// Result reports the outcome of one completed cycle for one source.
type Result struct {
	Source      string
	Transferred int
	Deleted     int
}

// Engine runs transfer cycles for the configured sources on their poll
// intervals. It owns the per-source schedule; each Engine instance keeps
// its own, so independent engines do not interfere.
type Engine struct {
	cfg    *config.Config
	state  *state.Store
	logger *slog.Logger

	// Seams, replaceable in tests.
	now        func() time.Time
	openSource func(src config.Source) (session.Source, error)
	openDest   func(dst config.Destination) (session.Destination, error)

	nextRun map[string]time.Time
}

// New creates an Engine. Every source starts out due.
func New(cfg *config.Config, store *state.Store, logger *slog.Logger) *Engine {
	e := &Engine{
		cfg:     cfg,
		state:   store,
		logger:  logger,
		now:     time.Now,
		nextRun: make(map[string]time.Time, len(cfg.Sources)),
	}
	e.openSource = e.dialSource
	e.openDest = e.dialDestination
	for _, src := range cfg.Sources {
		e.nextRun[src.Name] = time.Time{}
	}
	return e
}

func (e *Engine) dialSource(src config.Source) (session.Source, error) {
	tc := transport.Connector{
		Host:    src.Host,
		Port:    src.Port,
		Mode:    transport.Mode(src.Encryption),
		Timeout: e.cfg.Timeout(),
	}
	switch src.Protocol {
	case "pop3":
		return session.OpenPOP3Source(src, tc, e.logger)
	case "imap":
		return session.OpenIMAPSource(src, tc, e.logger)
	}
	return nil, fmt.Errorf("unsupported protocol: %s", src.Protocol)
}

func (e *Engine) dialDestination(dst config.Destination) (session.Destination, error) {
	tc := transport.Connector{
		Host:    dst.Host,
		Port:    dst.Port,
		Mode:    transport.Mode(dst.Encryption),
		Timeout: e.cfg.Timeout(),
	}
	return session.OpenDestination(dst, tc, e.logger)
}

// RunOnce processes every due source once, in configuration order, and
// returns the results of the cycles that completed. A failing source is
// logged and rescheduled like a successful one; it never blocks the
// others. Cancellation is honored between sources, not mid-cycle.
func (e *Engine) RunOnce(ctx context.Context) []Result {
	var results []Result
	now := e.now()

	for _, src := range e.cfg.Sources {
		if ctx.Err() != nil {
			break
		}
		if now.Before(e.nextRun[src.Name]) {
			continue
		}

		res, err := e.processSource(src)
		e.nextRun[src.Name] = e.now().Add(e.cfg.SourceInterval(src))
		if err != nil {
			e.logger.Error("source cycle failed", "source", src.Name, "error", err)
			continue
		}
		results = append(results, res)
	}
	return results
}

// processSource runs one complete transfer cycle for one source. Both
// sessions are closed exactly once on every exit path; the source session
// is told whether the cycle failed so its teardown can react.
func (e *Engine) processSource(src config.Source) (res Result, err error) {
	e.logger.Info("processing source", "source", src.Name, "protocol", src.Protocol, "host", src.Host)

	srcSess, err := e.openSource(src)
	if err != nil {
		return Result{}, err
	}
	defer func() { srcSess.Close(err != nil) }()

	dest, err := e.openDest(src.Destination)
	if err != nil {
		return Result{}, err
	}
	defer dest.Close()

	if err = dest.EnsureMailbox(src.Destination.Folder); err != nil {
		return Result{}, err
	}

	candidates, err := srcSess.List()
	if err != nil {
		return Result{}, err
	}

	processed, err := e.state.GetProcessed(src.Name)
	if err != nil {
		return Result{}, err
	}

	var transferred []string
	deleted := 0

	for _, msg := range candidates {
		if _, done := processed[msg.ID]; done {
			continue
		}

		raw, fetchErr := srcSess.Fetch(msg)
		if fetchErr != nil {
			e.logger.Warn("fetch failed, skipping message", "source", src.Name, "id", msg.ID, "error", fetchErr)
			continue
		}
		if raw == nil {
			e.logger.Debug("message no longer on server", "source", src.Name, "id", msg.ID)
			continue
		}

		if appendErr := dest.Append(src.Destination.Folder, raw); appendErr != nil {
			// Left untouched at the source; retried next cycle.
			e.logger.Error("append failed", "source", src.Name, "id", msg.ID, "error", appendErr)
			continue
		}

		e.logger.Debug("transferred message", "source", src.Name, "id", msg.ID, "subject", subject(raw))
		transferred = append(transferred, msg.ID)

		if src.DeleteAfterTransfer {
			if delErr := srcSess.MarkDeleted(msg); delErr != nil {
				e.logger.Error("delete failed", "source", src.Name, "id", msg.ID, "error", delErr)
			} else {
				deleted++
			}
		}
	}

	if src.DeleteAfterTransfer && deleted > 0 {
		if err = srcSess.FinalizeDeletions(); err != nil {
			return Result{}, err
		}
	}

	// One batched write makes this cycle's transfers durable. Messages
	// appended before a crash here are re-delivered next cycle.
	if err = e.state.RecordProcessed(src.Name, transferred); err != nil {
		return Result{}, err
	}

	return Result{Source: src.Name, Transferred: len(transferred), Deleted: deleted}, nil
}

// TimeUntilNextRun returns the wait until the earliest next-due time
// across all sources, and zero once any source is already due.
func (e *Engine) TimeUntilNextRun() time.Duration {
	if len(e.nextRun) == 0 {
		return e.cfg.PollInterval()
	}

	now := e.now()
	wait := time.Duration(-1)
	for _, next := range e.nextRun {
		w := next.Sub(now)
		if w < 0 {
			w = 0
		}
		if wait < 0 || w < wait {
			wait = w
		}
	}
	return wait
}

// RunForever loops RunOnce, sleeping until the earliest next-due time,
// until ctx is cancelled.
func (e *Engine) RunForever(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		results := e.RunOnce(ctx)
		for _, res := range results {
			e.logger.Info("transfer complete",
				"source", res.Source,
				"transferred", res.Transferred,
				"deleted", res.Deleted,
			)
		}

		wait := e.TimeUntilNextRun()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// subject extracts the Subject header for log lines. Parsing failures
// are not interesting here.
func subject(raw []byte) string {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return ""
	}
	defer reader.Close()
	subj, _ := reader.Header.Subject()
	return subj
}
