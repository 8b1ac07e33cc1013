package capture

import (
	"encoding/json"
	"fmt"
	"sync"
)

type reply struct {
	value json.RawMessage
	err   error
}

type pendingCommand struct {
	command string
	done    chan reply
}

// correlator matches responses to commands by correlation ID. Each entry's
// done channel has room for exactly one reply, so resolve never blocks.
type correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingCommand
	closed  error
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[string]*pendingCommand)}
}

// register adds a pending slot for id. It fails once the correlator has been
// closed by failAll.
func (c *correlator) register(id, command string) (<-chan reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed != nil {
		return nil, c.closed
	}
	if _, exists := c.pending[id]; exists {
		return nil, fmt.Errorf("duplicate command id %s", id)
	}

	p := &pendingCommand{command: command, done: make(chan reply, 1)}
	c.pending[id] = p
	return p.done, nil
}

// remove drops the slot for id. Safe to call after resolve or failAll.
func (c *correlator) remove(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// resolve delivers a response to its waiting command. It reports false when
// no command with that ID is pending.
func (c *correlator) resolve(resp Response) bool {
	c.mu.Lock()
	p, ok := c.pending[resp.CommandID]
	if ok {
		delete(c.pending, resp.CommandID)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}

	if resp.OK() {
		p.done <- reply{value: resp.Result}
	} else {
		p.done <- reply{err: &CommandError{
			Command:   p.command,
			CommandID: resp.CommandID,
			Message:   failureMessage(resp.Result),
		}}
	}
	return true
}

// failAll rejects every pending command with err and refuses new ones.
func (c *correlator) failAll(err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed == nil {
		c.closed = err
	}
	n := len(c.pending)
	for id, p := range c.pending {
		p.done <- reply{err: fmt.Errorf("%s: %w", p.command, err)}
		delete(c.pending, id)
	}
	return n
}

func (c *correlator) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
