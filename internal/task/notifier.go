package task

import "sync"

// notifier fans out terminal-status signals to in-process waiters. It is an
// optimization over the 500ms poll: the poll still runs so a terminal update
// applied by another engine instance is observed too.
type notifier struct {
	mu      sync.Mutex
	waiters map[string][]chan Status
}

func newNotifier() *notifier {
	return &notifier{waiters: make(map[string][]chan Status)}
}

// subscribe registers a waiter for taskID. The returned cancel must be
// called exactly once.
func (n *notifier) subscribe(taskID string) (<-chan Status, func()) {
	ch := make(chan Status, 1)
	n.mu.Lock()
	n.waiters[taskID] = append(n.waiters[taskID], ch)
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		chans := n.waiters[taskID]
		for i, c := range chans {
			if c == ch {
				n.waiters[taskID] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(n.waiters[taskID]) == 0 {
			delete(n.waiters, taskID)
		}
	}
	return ch, cancel
}

// notify wakes all waiters for taskID. Channels are buffered; a waiter that
// already left drops the signal.
func (n *notifier) notify(taskID string, status Status) {
	n.mu.Lock()
	chans := n.waiters[taskID]
	delete(n.waiters, taskID)
	n.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- status:
		default:
		}
	}
}
