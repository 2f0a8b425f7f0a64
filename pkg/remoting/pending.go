package remoting

import (
	"time"

	"github.com/google/btree"

	"github.com/AutoMQ/remoting/pkg/remoting/protocol"
)

const _pendingDegree = 32

// APICallback is invoked exactly once per SendAPIMessage call, either with the response
// from sender, or with timedOut set and both sender and resp nil.
type APICallback func(m *Manager, sender *Endpoint, req *protocol.Request, resp *protocol.Response, timedOut bool)

type pendingCall struct {
	id       uint32
	request  *protocol.Request
	callback APICallback
	deadline time.Time
}

func pendingLess(a, b *pendingCall) bool {
	if !a.deadline.Equal(b.deadline) {
		return a.deadline.Before(b.deadline)
	}
	return a.id < b.id
}

// pendingCalls is the table of calls awaiting a response, indexed by id and ordered by deadline.
// It is not safe for concurrent use.
type pendingCalls struct {
	byID       map[uint32]*pendingCall
	byDeadline *btree.BTreeG[*pendingCall]
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{
		byID:       make(map[uint32]*pendingCall),
		byDeadline: btree.NewG[*pendingCall](_pendingDegree, pendingLess),
	}
}

func (p *pendingCalls) add(call *pendingCall) {
	p.byID[call.id] = call
	p.byDeadline.ReplaceOrInsert(call)
}

func (p *pendingCalls) has(id uint32) bool {
	_, ok := p.byID[id]
	return ok
}

// remove removes and returns the call with id, nil if absent
func (p *pendingCalls) remove(id uint32) *pendingCall {
	call, ok := p.byID[id]
	if !ok {
		return nil
	}
	delete(p.byID, id)
	p.byDeadline.Delete(call)
	return call
}

// expire removes and returns every call due at now, in ascending deadline order
func (p *pendingCalls) expire(now time.Time) []*pendingCall {
	var due []*pendingCall
	p.byDeadline.Ascend(func(call *pendingCall) bool {
		if call.deadline.After(now) {
			return false
		}
		due = append(due, call)
		return true
	})
	for _, call := range due {
		delete(p.byID, call.id)
		p.byDeadline.Delete(call)
	}
	return due
}

// drain removes and returns all calls, in ascending deadline order
func (p *pendingCalls) drain() []*pendingCall {
	all := make([]*pendingCall, 0, p.byDeadline.Len())
	p.byDeadline.Ascend(func(call *pendingCall) bool {
		all = append(all, call)
		return true
	})
	p.byDeadline.Clear(false)
	p.byID = make(map[uint32]*pendingCall)
	return all
}

func (p *pendingCalls) len() int {
	return len(p.byID)
}
