package watchdog

import "sync"

// ActionQueue is an unbounded FIFO of pending actions. The command intake
// pushes from arbitrary goroutines; only the poll loop drains. Actions are
// never dropped, only deferred to later cycles by the per-cycle drain bound.
type ActionQueue struct {
	mu      sync.Mutex
	actions []Action
}

func NewActionQueue() *ActionQueue {
	return &ActionQueue{}
}

func (q *ActionQueue) Push(a Action) {
	q.mu.Lock()
	q.actions = append(q.actions, a)
	q.mu.Unlock()
}

// DrainUpTo removes and returns at most n actions in FIFO order.
func (q *ActionQueue) DrainUpTo(n int) []Action {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.actions) {
		n = len(q.actions)
	}
	if n <= 0 {
		return nil
	}

	batch := make([]Action, n)
	copy(batch, q.actions[:n])
	remaining := len(q.actions) - n
	copy(q.actions, q.actions[n:])
	q.actions = q.actions[:remaining]

	return batch
}

func (q *ActionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}
