package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hiveloop/hiveloop/internal/events"
	"github.com/hiveloop/hiveloop/internal/events/bus"
	"github.com/hiveloop/hiveloop/internal/graph"
)

// startTriggers launches the background trigger sources of a graph's
// entry points. Manual entry points have none; timers, event
// subscriptions, and webhook listeners each get a stop function recorded
// on the hosted graph.
func (r *Runtime) startTriggers(hg *hostedGraph) {
	for _, ep := range hg.pkg.EntryPoints {
		switch ep.TriggerType {
		case graph.TriggerTimer:
			r.startTimer(hg, ep)
		case graph.TriggerEvent:
			r.startEventTrigger(hg, ep)
		case graph.TriggerWebhook:
			r.startWebhookTrigger(hg, ep)
		}
	}
}

// fire starts one triggered execution. A busy stream is a skip, not an
// error: timers and event storms must not queue up behind a slow run.
func (r *Runtime) fire(graphID string, ep *graph.EntryPointSpec, seed map[string]any) {
	_, err := r.Trigger(context.Background(), graphID, ep.ID, seed)
	if err != nil {
		if errors.Is(err, ErrStreamBusy) {
			r.log.Debug("Trigger skipped, stream busy",
				zap.String("graph_id", graphID),
				zap.String("entry_point", ep.ID))
			return
		}
		r.log.Warn("Trigger failed",
			zap.String("graph_id", graphID),
			zap.String("entry_point", ep.ID),
			zap.Error(err))
	}
}

func (r *Runtime) startTimer(hg *hostedGraph, ep *graph.EntryPointSpec) {
	graphID := hg.pkg.Graph.ID

	if ep.Trigger.Cron != "" {
		c := cron.New()
		_, err := c.AddFunc(ep.Trigger.Cron, func() {
			r.fire(graphID, ep, nil)
		})
		if err != nil {
			r.log.Error("Invalid cron expression, timer not started",
				zap.String("graph_id", graphID),
				zap.String("entry_point", ep.ID),
				zap.Error(err))
			return
		}
		c.Start()
		hg.stops = append(hg.stops, func() { c.Stop() })
		return
	}

	interval := time.Duration(ep.Trigger.IntervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				r.fire(graphID, ep, nil)
			case <-done:
				return
			}
		}
	}()
	hg.stops = append(hg.stops, func() {
		ticker.Stop()
		close(done)
	})
}

func (r *Runtime) startEventTrigger(hg *hostedGraph, ep *graph.EntryPointSpec) {
	graphID := hg.pkg.Graph.ID

	types := make([]events.Type, 0, len(ep.Trigger.EventTypes))
	for _, t := range ep.Trigger.EventTypes {
		types = append(types, events.Type(t))
	}
	filter := bus.Filter{
		Types:    types,
		StreamID: ep.Trigger.FilterStream,
		NodeID:   ep.Trigger.FilterNode,
	}
	if ep.Trigger.ExcludeOwnGraph {
		filter.ExcludeGraph = graphID
	}

	sub := r.bus.Subscribe(filter)
	go func() {
		for ev := range sub.C {
			r.fire(graphID, ep, map[string]any{
				"trigger_event": map[string]any{
					"type":     string(ev.Type),
					"graph_id": ev.GraphID,
					"node_id":  ev.NodeID,
					"payload":  ev.Payload,
				},
			})
		}
	}()
	hg.stops = append(hg.stops, sub.Close)
}

// startWebhookTrigger subscribes to WEBHOOK_RECEIVED events published by
// the gateway and fires when the source id matches the entry point's
// configured path.
func (r *Runtime) startWebhookTrigger(hg *hostedGraph, ep *graph.EntryPointSpec) {
	graphID := hg.pkg.Graph.ID
	path := ep.Trigger.Path

	sub := r.bus.Subscribe(bus.Filter{Types: []events.Type{events.TypeWebhookReceived}})
	go func() {
		for ev := range sub.C {
			if src, _ := ev.Payload["source_id"].(string); src != path {
				continue
			}
			r.fire(graphID, ep, map[string]any{"webhook": ev.Payload})
		}
	}()
	hg.stops = append(hg.stops, sub.Close)
}
