// ABOUTME: Runs one agent conversation per edit location and applies results in a single batch.
// ABOUTME: Reverse-order application keeps later replacements from shifting earlier line numbers.

package edit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-edit/internal/acp"
)

// Requester is the slice of the session pool the orchestrator needs.
type Requester interface {
	MakeRequest(ctx context.Context, req acp.Request) error
	SupportsParallel() bool
	ProviderName() string
}

// StatusSink receives streamed progress lines for display.
type StatusSink interface {
	Progress(line string)
}

// NopSink discards progress output.
type NopSink struct{}

// Progress implements StatusSink.
func (NopSink) Progress(string) {}

// QueryBuilder renders the per-location query sent to the agent.
type QueryBuilder func(loc Location) string

// BatchRequest describes one multi-location operation.
type BatchRequest struct {
	Locations     []Location
	BuildQuery    QueryBuilder
	ContextBlocks []string
}

// BatchResult summarizes a finished batch.
type BatchResult struct {
	Applied int
	Skipped int // failed or cancelled locations, omitted from the edit
	Saved   []string
}

type locationResult struct {
	text string
	ok   bool
}

// Orchestrator coordinates the conversations for a batch and the final
// coordinated application of their results.
type Orchestrator struct {
	requester Requester
	store     Store
	status    StatusSink
	logger    *slog.Logger
}

// New creates an orchestrator.
func New(requester Requester, store Store, status StatusSink, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if status == nil {
		status = NopSink{}
	}
	return &Orchestrator{
		requester: requester,
		store:     store,
		status:    status,
		logger:    logger.With("component", "orchestrator"),
	}
}

// Run executes the batch: one conversation per location, sequentially or in
// parallel depending on backend capability, then applies all recorded
// results and persists each changed buffer exactly once. Failed or
// cancelled locations are skipped, never fatal.
func (o *Orchestrator) Run(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	if len(req.Locations) == 0 {
		return &BatchResult{}, nil
	}

	results := make([]locationResult, len(req.Locations))
	if o.requester.SupportsParallel() {
		o.logger.Info("running batch in parallel",
			"provider", o.requester.ProviderName(),
			"locations", len(req.Locations),
		)
		o.runParallel(ctx, req, results)
	} else {
		o.logger.Info("running batch sequentially",
			"provider", o.requester.ProviderName(),
			"locations", len(req.Locations),
		)
		o.runSequential(ctx, req, results)
	}

	return o.finalize(req.Locations, results)
}

// runSequential processes locations in strict reverse discovery order, one
// at a time. Each conversation fully completes before the next starts so an
// applied edit can never shift a not-yet-processed location.
func (o *Orchestrator) runSequential(ctx context.Context, req BatchRequest, results []locationResult) {
	for i := len(req.Locations) - 1; i >= 0; i-- {
		o.runOne(ctx, req, i, results)
	}
}

// runParallel launches one conversation per location, bounded by the pool's
// session cap. The batch is done when every launched conversation has
// completed; completion count gates it, not any particular location.
func (o *Orchestrator) runParallel(ctx context.Context, req BatchRequest, results []locationResult) {
	g := &errgroup.Group{}
	g.SetLimit(acp.MaxSessions)
	for i := range req.Locations {
		i := i
		g.Go(func() error {
			o.runOne(ctx, req, i, results)
			return nil
		})
	}
	_ = g.Wait()
}

// runOne drives a single location's conversation to completion and records
// its result. Distinct goroutines write distinct indices of results.
func (o *Orchestrator) runOne(ctx context.Context, req BatchRequest, idx int, results []locationResult) {
	loc := req.Locations[idx]
	label := fmt.Sprintf("%s:%d", loc.Path, loc.StartLine)
	done := make(chan struct{})

	err := o.requester.MakeRequest(ctx, acp.Request{
		Query:         req.BuildQuery(loc),
		ContextBlocks: req.ContextBlocks,
		Observer: acp.Observer{
			OnStream: func(text string) {
				o.status.Progress(fmt.Sprintf("[%s] %s", label, text))
			},
			OnStreamError: func(text string) {
				o.status.Progress(fmt.Sprintf("[%s] stderr: %s", label, text))
			},
			OnComplete: func(status acp.Status, payload string) {
				if status == acp.StatusSuccess {
					results[idx] = locationResult{text: payload, ok: true}
				} else {
					o.logger.Warn("location skipped", "location", label, "status", status, "detail", payload)
				}
				close(done)
			},
		},
	})
	if err != nil {
		o.logger.Warn("location rejected", "location", label, "error", err)
		return
	}
	<-done
}

// finalize applies recorded results in reverse location order and persists
// every changed buffer once. Responses are split into lines with trailing
// empty lines stripped before replacing the location's span.
func (o *Orchestrator) finalize(locs []Location, results []locationResult) (*BatchResult, error) {
	res := &BatchResult{}

	for i := len(locs) - 1; i >= 0; i-- {
		if !results[i].ok {
			res.Skipped++
			continue
		}
		lines := strings.Split(results[i].text, "\n")
		for len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
		loc := locs[i]
		if err := loc.Buffer.Replace(loc.StartLine, loc.EndLine, lines); err != nil {
			o.logger.Warn("skipping unapplicable result", "location", loc.Path, "error", err)
			res.Skipped++
			continue
		}
		loc.Buffer.Dirty = true
		res.Applied++
	}

	for _, loc := range locs {
		if !loc.Buffer.Dirty {
			continue
		}
		if err := o.store.Save(loc.Buffer); err != nil {
			return res, fmt.Errorf("saving %s: %w", loc.Buffer.Path, err)
		}
		loc.Buffer.Dirty = false
		res.Saved = append(res.Saved, loc.Buffer.Path)
	}
	return res, nil
}
