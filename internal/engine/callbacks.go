package engine

import (
	"sync"

	"github.com/google/uuid"
)

// CallbackRegistry mints single-use tokens that tie an export job to its
// completion callback. A token unknown to the registry is rejected;
// consuming a token removes it, so replayed callbacks fail.
type CallbackRegistry struct {
	mu          sync.Mutex
	outstanding map[string]struct{}
}

func NewCallbackRegistry() *CallbackRegistry {
	return &CallbackRegistry{outstanding: map[string]struct{}{}}
}

func (r *CallbackRegistry) Issue() string {
	token := uuid.NewString()
	r.mu.Lock()
	r.outstanding[token] = struct{}{}
	r.mu.Unlock()
	return token
}

func (r *CallbackRegistry) Consume(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.outstanding[token]; !ok {
		return false
	}
	delete(r.outstanding, token)
	return true
}

func (r *CallbackRegistry) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outstanding)
}
