package master

import (
	"fmt"
	"sync"

	"github.com/expsys/exprun/worker"
)

// ParamStore is a parameter map shared with workers across runs. Its
// handlers serve the get_parameter and set_parameter actions, so values a
// worker stores in one run are visible to the next.
type ParamStore struct {
	mut    sync.Mutex
	params map[string]any
}

// NewParamStore builds a store seeded with initial, which may be nil.
func NewParamStore(initial map[string]any) *ParamStore {
	p := &ParamStore{params: make(map[string]any, len(initial))}
	for k, v := range initial {
		p.params[k] = v
	}
	return p
}

func (p *ParamStore) Get(key string) (any, bool) {
	p.mut.Lock()
	defer p.mut.Unlock()
	v, ok := p.params[key]
	return v, ok
}

func (p *ParamStore) Set(key string, value any) {
	p.mut.Lock()
	defer p.mut.Unlock()
	p.params[key] = value
}

// Snapshot returns a copy of the parameters.
func (p *ParamStore) Snapshot() map[string]any {
	p.mut.Lock()
	defer p.mut.Unlock()
	out := make(map[string]any, len(p.params))
	for k, v := range p.params {
		out[k] = v
	}
	return out
}

// Handlers returns the worker action handlers backed by the store.
func (p *ParamStore) Handlers() map[string]worker.Handler {
	return map[string]worker.Handler{
		"get_parameter": func(args map[string]any) (any, error) {
			key, ok := args["key"].(string)
			if !ok {
				return nil, fmt.Errorf("get_parameter requires a string key")
			}
			v, ok := p.Get(key)
			if !ok {
				return nil, fmt.Errorf("no parameter %q", key)
			}
			return v, nil
		},
		"set_parameter": func(args map[string]any) (any, error) {
			key, ok := args["key"].(string)
			if !ok {
				return nil, fmt.Errorf("set_parameter requires a string key")
			}
			p.Set(key, args["value"])
			return nil, nil
		},
	}
}
