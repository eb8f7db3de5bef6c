package consensus

import (
	"context"
	"sync"
	"sync/atomic"
)

// verifyTask pairs a message with its submission slot so delivery can be
// re-sequenced after parallel verification.
type verifyTask struct {
	seq uint64
	msg *Message
	ok  bool
}

// verifyPool checks inbound message signatures on a small pool of
// workers before messages enter the node's event loop. Verification runs
// in parallel, but delivery preserves submission order: vote
// accumulation tolerates reordering, a NEW_VIEW followed by the new
// primary's re-proposals does not. Messages failing verification are
// dropped and counted, never surfaced as errors.
type verifyPool struct {
	codec   *Codec
	workers int
	tasks   chan *verifyTask
	results chan *verifyTask
	deliver func(*Message)
	reject  func(*Message)

	submitMu  sync.Mutex
	submitSeq uint64

	accepted int64
	rejected int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newVerifyPool(codec *Codec, workers int, deliver, reject func(*Message)) *verifyPool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &verifyPool{
		codec:   codec,
		workers: workers,
		tasks:   make(chan *verifyTask, workers*64),
		results: make(chan *verifyTask, workers*64+workers),
		deliver: deliver,
		reject:  reject,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (p *verifyPool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.wg.Add(1)
	go p.dispatcher()
}

func (p *verifyPool) Stop() {
	p.cancel()
	p.wg.Wait()
}

// Submit hands a message to the pool. Full queue drops the message; the
// sender retransmits or the vote is simply lost, which PBFT tolerates.
// The slot number is claimed only when the task is accepted, so the
// dispatcher never waits on a gap.
func (p *verifyPool) Submit(msg *Message) {
	p.submitMu.Lock()
	defer p.submitMu.Unlock()
	t := &verifyTask{seq: p.submitSeq + 1, msg: msg}
	select {
	case p.tasks <- t:
		p.submitSeq++
	default:
	}
}

func (p *verifyPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case t := <-p.tasks:
			t.ok = p.codec.Verify(t.msg)
			select {
			case p.results <- t:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

// dispatcher releases verified messages in submission order, holding
// back any result whose predecessors are still being verified.
func (p *verifyPool) dispatcher() {
	defer p.wg.Done()
	next := uint64(1)
	pending := make(map[uint64]*verifyTask)
	for {
		select {
		case <-p.ctx.Done():
			return
		case t := <-p.results:
			pending[t.seq] = t
			for {
				ready, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				if ready.ok {
					atomic.AddInt64(&p.accepted, 1)
					p.deliver(ready.msg)
				} else {
					atomic.AddInt64(&p.rejected, 1)
					if p.reject != nil {
						p.reject(ready.msg)
					}
				}
			}
		}
	}
}

func (p *verifyPool) Accepted() int64 {
	return atomic.LoadInt64(&p.accepted)
}

func (p *verifyPool) Rejected() int64 {
	return atomic.LoadInt64(&p.rejected)
}
