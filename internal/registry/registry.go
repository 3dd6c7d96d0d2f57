// Package registry owns the process-local keyed state of the bot fleet: live sessions per tenant
// and in-process follow-up timers per (tenant, recipient, kind). One Registry is built at startup
// and handed to every component that needs it.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Kind distinguishes the two follow-up jobs of a recipient.
type Kind string

const (
	KindFirst     Kind = "first"
	KindRecurring Kind = "recurring"
)

// JobKey addresses one follow-up job. Its string form is stable so rescheduling replaces.
type JobKey struct {
	TenantID    string
	RecipientID string
	Kind        Kind
}

func (k JobKey) String() string {
	return fmt.Sprintf("resend-%s-%s-%s", k.TenantID, k.RecipientID, k.Kind)
}

// PairKeys returns the first and recurring keys of a recipient.
func PairKeys(tenantID, recipientID string) [2]JobKey {
	return [2]JobKey{
		{TenantID: tenantID, RecipientID: recipientID, Kind: KindFirst},
		{TenantID: tenantID, RecipientID: recipientID, Kind: KindRecurring},
	}
}

// Registry is safe for concurrent use. S is the session handle type, usually a pointer.
type Registry[S comparable] struct {
	mu       sync.Mutex
	sessions map[string]S
	timers   map[JobKey]func()
}

func New[S comparable]() *Registry[S] {
	return &Registry[S]{
		sessions: make(map[string]S),
		timers:   make(map[JobKey]func()),
	}
}

// Session returns the live session of tenantID.
func (r *Registry[S]) Session(tenantID string) (S, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[tenantID]
	return s, ok
}

// PutSession stores s under tenantID. It refuses to overwrite a different live session so a
// tenant can never hold two at once; callers stop the previous one first.
func (r *Registry[S]) PutSession(tenantID string, s S) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[tenantID]; ok && cur != s {
		return false
	}
	r.sessions[tenantID] = s
	return true
}

// RemoveSession deletes the entry of tenantID only if it still holds s.
func (r *Registry[S]) RemoveSession(tenantID string, s S) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[tenantID]; !ok || cur != s {
		return false
	}
	delete(r.sessions, tenantID)
	return true
}

// TenantIDs lists tenants with a live session, sorted.
func (r *Registry[S]) TenantIDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// ArmTimer records cancel under key, cancelling whatever was armed there before.
func (r *Registry[S]) ArmTimer(key JobKey, cancel func()) {
	r.mu.Lock()
	prev := r.timers[key]
	r.timers[key] = cancel
	r.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// ReleaseTimer forgets key without cancelling it, used by timers that completed on their own.
func (r *Registry[S]) ReleaseTimer(key JobKey) {
	r.mu.Lock()
	delete(r.timers, key)
	r.mu.Unlock()
}

// CancelTimers cancels the in-process timers of one recipient and returns how many were armed.
func (r *Registry[S]) CancelTimers(tenantID, recipientID string) int {
	keys := PairKeys(tenantID, recipientID)
	return r.cancelWhere(func(k JobKey) bool { return k == keys[0] || k == keys[1] })
}

// CancelTenantTimers cancels every in-process timer of tenantID.
func (r *Registry[S]) CancelTenantTimers(tenantID string) int {
	return r.cancelWhere(func(k JobKey) bool { return k.TenantID == tenantID })
}

// TimerCount returns the number of armed in-process timers.
func (r *Registry[S]) TimerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

func (r *Registry[S]) cancelWhere(match func(JobKey) bool) int {
	r.mu.Lock()
	var cancels []func()
	for k, cancel := range r.timers {
		if match(k) {
			cancels = append(cancels, cancel)
			delete(r.timers, k)
		}
	}
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}
