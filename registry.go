package multisettle

import "sync"

// ExecutorRegistry maps network patterns to chain executors. Patterns may use
// CAIP-2 wildcards ("eip155:*"); exact registrations win over wildcard ones.
// Adding a network family means registering another executor, never touching
// the orchestrator.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[Network]ChainExecutor
}

func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{
		executors: make(map[Network]ChainExecutor),
	}
}

// Register binds an executor to a network pattern. Returns the registry for chaining.
func (r *ExecutorRegistry) Register(pattern Network, exec ChainExecutor) *ExecutorRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[pattern] = exec
	return r
}

// Resolve finds the executor for a network. Unsupported networks fail fast
// with an unsupported_network error before any balance check or transfer.
func (r *ExecutorRegistry) Resolve(network Network) (ChainExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if exec, ok := r.executors[network]; ok {
		return exec, nil
	}
	for pattern, exec := range r.executors {
		if network.Match(pattern) {
			return exec, nil
		}
	}
	return nil, NewError(CodeUnsupportedNetwork, "network %s is not supported for multi-settle", network)
}

// Supported returns the registered network patterns.
func (r *ExecutorRegistry) Supported() []Network {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Network, 0, len(r.executors))
	for pattern := range r.executors {
		out = append(out, pattern)
	}
	return out
}
