package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/me/zoocwl/internal/handler"
	"github.com/me/zoocwl/internal/stac"
	"github.com/me/zoocwl/internal/store"
	"github.com/me/zoocwl/pkg/job"
)

// tracker follows the job through its states and mirrors every transition
// into the job store when there is one. Store errors never fail the job.
type tracker struct {
	st     store.Store
	id     string
	state  job.State
	logger *slog.Logger
}

func newTracker(ctx context.Context, st store.Store, conf *job.ExecutionConfig, logger *slog.Logger) *tracker {
	t := &tracker{st: st, id: conf.Identity.USID, state: job.StateCreated, logger: logger}
	if st != nil {
		err := st.CreateJob(ctx, &store.Record{
			ID:         conf.Identity.USID,
			Identifier: conf.Identity.Identifier,
			Namespace:  conf.NamespaceName(),
			State:      job.StateCreated,
		})
		if err != nil {
			logger.Warn("record job", "error", err)
			t.st = nil
		}
	}
	return t
}

func (t *tracker) advance(ctx context.Context, to job.State, message string) {
	if t == nil {
		return
	}
	if !t.state.CanTransitionTo(to) {
		t.logger.Warn("state change ignored", "error", &job.InvalidTransitionError{JobID: t.id, From: t.state, To: to})
		return
	}
	t.logger.Debug("state change", "from", t.state, "to", to)
	t.state = to
	if t.st == nil {
		return
	}
	if err := t.st.Transition(ctx, t.id, to, message); err != nil {
		t.logger.Warn("record transition", "to", to, "error", err)
	}
}

func (t *tracker) setResult(ctx context.Context, catalogURI string, res *stac.Result) {
	if t == nil || t.st == nil || res == nil {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		t.logger.Warn("encode result", "error", err)
		return
	}
	if err := t.st.SetResult(ctx, t.id, catalogURI, string(data)); err != nil {
		t.logger.Warn("record result", "error", err)
	}
}

// trackedHandler advances the tracker around the hooks the runner calls.
type trackedHandler struct {
	handler.ExecutionHandler
	tracker *tracker
}

func (h *trackedHandler) PreHook(ctx context.Context) error {
	h.tracker.advance(ctx, job.StatePreHook, "")
	if err := h.ExecutionHandler.PreHook(ctx); err != nil {
		return err
	}
	h.tracker.advance(ctx, job.StateExecuting, "")
	return nil
}

func (h *trackedHandler) PostHook(ctx context.Context, run handler.RunResult) error {
	h.tracker.advance(ctx, job.StatePostHook, "")
	return h.ExecutionHandler.PostHook(ctx, run)
}
