package sync

import (
	stdsync "sync"

	"github.com/mirrorbox/mirrorbox/internal/relaymsg"
)

const replyBufferSize = 16

// pendingReplies routes relay responses to the transfer waiting on
// them. Acks, Conflicts and Errors are keyed by path; EnvelopeData is
// keyed by the original content hash it belongs to.
type pendingReplies struct {
	byPath map[string]chan *relaymsg.Message
	byHash map[string]chan *relaymsg.Message
	mu     stdsync.Mutex
}

func newPendingReplies() *pendingReplies {
	return &pendingReplies{
		byPath: make(map[string]chan *relaymsg.Message),
		byHash: make(map[string]chan *relaymsg.Message),
	}
}

func (p *pendingReplies) awaitPath(path string) chan *relaymsg.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan *relaymsg.Message, replyBufferSize)
	p.byPath[path] = ch
	return ch
}

func (p *pendingReplies) awaitHash(hash string) chan *relaymsg.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan *relaymsg.Message, replyBufferSize)
	p.byHash[hash] = ch
	return ch
}

func (p *pendingReplies) donePath(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byPath, path)
}

func (p *pendingReplies) doneHash(hash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byHash, hash)
}

// deliverPath hands a message to the path waiter. Returns false when
// nobody is waiting.
func (p *pendingReplies) deliverPath(path string, msg *relaymsg.Message) bool {
	p.mu.Lock()
	ch, ok := p.byPath[path]
	p.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case ch <- msg:
		return true
	default:
		return false
	}
}

func (p *pendingReplies) deliverHash(hash string, msg *relaymsg.Message) bool {
	p.mu.Lock()
	ch, ok := p.byHash[hash]
	p.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case ch <- msg:
		return true
	default:
		return false
	}
}
