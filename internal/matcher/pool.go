package matcher

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// defaultJobTimeout bounds a single matcher job; per spec.md section 5 all
// external calls it makes (LLM, database) must carry their own shorter
// timeouts, but a ceiling keeps a stuck job from occupying a worker forever.
const defaultJobTimeout = 2 * time.Minute

type jobKind int

const (
	jobRematchQuery jobKind = iota
	jobRematchPost
)

type job struct {
	kind jobKind
	id   int64
}

func (j job) key() string {
	if j.kind == jobRematchQuery {
		return fmt.Sprintf("query:%d", j.id)
	}
	return fmt.Sprintf("post:%d", j.id)
}

// Pool is the bounded worker pool consuming re-match jobs, re-expressing
// the source's fire-and-forget daemon threads per spec.md section 9:
// duplicate jobs for the same target collapse into one in-flight run, with
// at most one follow-up re-run queued for whatever arrived while it ran.
type Pool struct {
	matcher *Matcher
	jobs    chan job

	mu       sync.Mutex
	inFlight map[string]bool
	pending  map[string]job
}

// NewPool starts workers goroutines draining a queueSize-buffered job
// channel against matcher.
func NewPool(matcher *Matcher, workers, queueSize int) *Pool {
	p := &Pool{
		matcher:  matcher,
		jobs:     make(chan job, queueSize),
		inFlight: make(map[string]bool),
		pending:  make(map[string]job),
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for j := range p.jobs {
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultJobTimeout)
	defer cancel()

	var err error
	switch j.kind {
	case jobRematchQuery:
		err = p.matcher.RematchQuery(ctx, j.id)
	case jobRematchPost:
		err = p.matcher.RematchPost(ctx, j.id)
	}
	if err != nil {
		log.Printf("matcher: job %s failed: %v", j.key(), err)
	}

	p.mu.Lock()
	if next, ok := p.pending[j.key()]; ok {
		delete(p.pending, j.key())
		p.mu.Unlock()
		p.jobs <- next
		return
	}
	delete(p.inFlight, j.key())
	p.mu.Unlock()
}

func (p *Pool) enqueue(j job) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := j.key()
	if p.inFlight[key] {
		p.pending[key] = j
		return
	}
	p.inFlight[key] = true
	p.jobs <- j
}

// EnqueueRematchQuery schedules E1 for queryID on a worker, asynchronously.
func (p *Pool) EnqueueRematchQuery(queryID int64) {
	p.enqueue(job{kind: jobRematchQuery, id: queryID})
}

// EnqueueRematchPost schedules E2 for postID on a worker, asynchronously.
func (p *Pool) EnqueueRematchPost(postID int64) {
	p.enqueue(job{kind: jobRematchPost, id: postID})
}
