package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/expsys/exprun/harness"
	"go.uber.org/zap"
)

// runSteps interprets the "steps" list of a run request. Each step is a
// mapping with an "op" key:
//
//	{"op": "log", "text": "..."}                   log through the supervisor
//	{"op": "call", "action": "...", "fields": {}}  invoke a supervisor action
//	{"op": "sleep", "seconds": 1.5}                pause the run
//	{"op": "fail", "message": "..."}               fail the run
//
// A request without steps succeeds immediately.
func runSteps(ctx context.Context, params map[string]any, client *harness.Client, log *zap.SugaredLogger) error {
	raw, ok := params["steps"]
	if !ok {
		log.Debugw("run request has no steps")
		return nil
	}
	steps, ok := raw.([]any)
	if !ok {
		return fmt.Errorf("steps must be a list, got %T", raw)
	}
	for i, rawStep := range steps {
		step, ok := rawStep.(map[string]any)
		if !ok {
			return fmt.Errorf("step %d must be a mapping, got %T", i, rawStep)
		}
		if err := runStep(ctx, step, client, log); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

func runStep(ctx context.Context, step map[string]any, client *harness.Client, log *zap.SugaredLogger) error {
	op, _ := step["op"].(string)
	switch op {
	case "log":
		text, _ := step["text"].(string)
		_, err := client.Call(ctx, "log", map[string]any{"message": text})
		return err
	case "call":
		action, _ := step["action"].(string)
		if action == "" {
			return errors.New("call step requires an action")
		}
		fields, _ := step["fields"].(map[string]any)
		data, err := client.Call(ctx, action, fields)
		if err != nil {
			return err
		}
		log.Debugw("action done", "action", action, "data", data)
		return nil
	case "sleep":
		seconds, ok := step["seconds"].(float64)
		if !ok || seconds < 0 {
			return errors.New("sleep step requires non-negative seconds")
		}
		select {
		case <-time.After(time.Duration(seconds * float64(time.Second))):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case "fail":
		msg, _ := step["message"].(string)
		if msg == "" {
			msg = "failed by request"
		}
		return errors.New(msg)
	default:
		return fmt.Errorf("unknown op %q", op)
	}
}
