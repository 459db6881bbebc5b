// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package ciba

import "sync"

// notifier wakes long-polling token requests when a backchannel
// request reaches a terminal state. Channels are closed exactly once
// and forgotten; a waiter arriving after the signal sees a closed
// channel from a fresh map entry only until the request is consumed.
type notifier struct {
	mu      sync.Mutex
	waiters map[string]chan struct{}
}

func newNotifier() *notifier {
	return &notifier{waiters: make(map[string]chan struct{})}
}

// channel returns the wait channel for the request, creating it on
// first use.
func (n *notifier) channel(authReqID string) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch, ok := n.waiters[authReqID]
	if !ok {
		ch = make(chan struct{})
		n.waiters[authReqID] = ch
	}
	return ch
}

// signal wakes every waiter on the request.
func (n *notifier) signal(authReqID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if ch, ok := n.waiters[authReqID]; ok {
		close(ch)
		delete(n.waiters, authReqID)
	}
}

// forget drops the channel for a consumed or expired request.
func (n *notifier) forget(authReqID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.waiters, authReqID)
}
