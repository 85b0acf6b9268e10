package keyring

import (
	"fmt"
	"strings"
	"sync"
)

// Registry is the process-lifetime view over the credential store. All
// mutation passes through it, which serializes store saves and keeps the
// invariant that exactly one entry is active whenever the collection is
// non-empty.
type Registry struct {
	mu    sync.Mutex
	store Store
	creds []Credential
}

// NewRegistry loads the persisted collection. On a persistence failure the
// registry starts with an empty collection and the error is returned for
// the caller to surface; the registry itself stays usable.
func NewRegistry(store Store) (*Registry, error) {
	reg := &Registry{store: store, creds: []Credential{}}
	creds, err := store.Load()
	if err != nil {
		return reg, err
	}
	normalizeActive(creds)
	reg.creds = creds
	return reg, nil
}

// normalizeActive repairs a persisted collection that drifted from the
// uniqueness invariant: the first active entry wins, later flags clear.
func normalizeActive(creds []Credential) {
	seen := false
	for i := range creds {
		if !creds[i].Active {
			continue
		}
		if seen {
			creds[i].Active = false
			continue
		}
		seen = true
	}
}

// Active returns the currently active credential. The second result is
// false when no credential is configured; callers treat that as absence,
// not an error.
func (r *Registry) Active() (Credential, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cred := range r.creds {
		if cred.Active {
			return cred, true
		}
	}
	return Credential{}, false
}

// List returns a copy of the collection in stored order.
func (r *Registry) List() []Credential {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Credential, len(r.creds))
	copy(out, r.creds)
	return out
}

// Activate deactivates every entry and activates the one at index, then
// persists. An out-of-range index leaves the collection untouched.
func (r *Registry) Activate(index int) (Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.creds) {
		return Credential{}, fmt.Errorf("%w: index %d, collection size %d", ErrIndexOutOfRange, index, len(r.creds))
	}
	for i := range r.creds {
		r.creds[i].Active = i == index
	}
	if err := r.store.Save(r.creds); err != nil {
		return r.creds[index], err
	}
	return r.creds[index], nil
}

// AddAndActivate appends a new credential with zeroed usage counters,
// makes it the single active entry, and persists.
func (r *Registry) AddAndActivate(provider, key, model string) (Credential, error) {
	provider = strings.TrimSpace(provider)
	key = strings.TrimSpace(key)
	model = strings.TrimSpace(model)
	if provider == "" || key == "" || model == "" {
		return Credential{}, fmt.Errorf("%w: provider, key, and model are all required", ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.creds {
		r.creds[i].Active = false
	}
	cred := Credential{Provider: provider, Key: key, Model: model, Active: true}
	r.creds = append(r.creds, cred)
	if err := r.store.Save(r.creds); err != nil {
		return cred, err
	}
	return cred, nil
}

// RecordUsage adds the token deltas to the active credential's counters
// and persists the collection. The in-memory counters update before the
// save, so a persistence failure never loses the accrual; the returned
// bool reports whether an active credential existed to accrue against.
func (r *Registry) RecordUsage(promptTokens, completionTokens int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.creds {
		if !r.creds[i].Active {
			continue
		}
		r.creds[i].Usage.PromptTokens += promptTokens
		r.creds[i].Usage.CompletionTokens += completionTokens
		return true, r.store.Save(r.creds)
	}
	return false, nil
}

// Len reports the collection size.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.creds)
}
