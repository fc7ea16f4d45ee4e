package detector

import (
	"context"
	"sync"

	"github.com/nvr-ai/go-rcnn/common"
	"github.com/nvr-ai/go-rcnn/models/postprocess"
	"github.com/pkg/errors"
)

// ErrTesterClosed is returned for requests submitted after Close.
var ErrTesterClosed = errors.New("async tester closed")

// AsyncResult is the outcome of one asynchronous request.
type AsyncResult struct {
	Detections [][]postprocess.Detection
	Err        error
}

type asyncRequest struct {
	ctx       context.Context
	batch     *common.ImageBatch
	proposals [][]common.Proposal
	rescale   bool
	out       chan AsyncResult

	// state is set once the RPN stage has run.
	state *testState
}

// AsyncTester interleaves inference requests on a single worker. Each request
// runs its RPN stage, yields to the other pending requests, and then runs its
// RoI stage. Requests are served in FIFO order at every step.
type AsyncTester struct {
	det      *TwoStage
	incoming chan *asyncRequest
	stop     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// NewAsyncTester starts the worker of det.
func NewAsyncTester(det *TwoStage) *AsyncTester {
	a := &AsyncTester{
		det:      det,
		incoming: make(chan *asyncRequest),
		stop:     make(chan struct{}),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Submit queues a request. The returned channel receives exactly one result.
// A request whose context is done before its RPN stage is dropped with the
// context error. Once the RPN stage has started the request runs to the end.
func (a *AsyncTester) Submit(ctx context.Context, batch *common.ImageBatch, proposals [][]common.Proposal, rescale bool) <-chan AsyncResult {
	req := &asyncRequest{
		ctx:       ctx,
		batch:     batch,
		proposals: proposals,
		rescale:   rescale,
		out:       make(chan AsyncResult, 1),
	}
	select {
	case a.incoming <- req:
	case <-a.stop:
		req.out <- AsyncResult{Err: ErrTesterClosed}
	case <-ctx.Done():
		req.out <- AsyncResult{Err: ctx.Err()}
	}
	return req.out
}

// Close stops accepting requests, finishes the queued ones and waits for the
// worker to exit.
func (a *AsyncTester) Close() {
	a.once.Do(func() { close(a.stop) })
	a.wg.Wait()
}

func (a *AsyncTester) run() {
	defer a.wg.Done()
	var pending []*asyncRequest
	stopping := false
	for {
		if len(pending) == 0 {
			if stopping {
				return
			}
			select {
			case req := <-a.incoming:
				pending = append(pending, req)
			case <-a.stop:
				stopping = true
				continue
			}
		}
		// Pick up whatever arrived while the last stage ran.
	drain:
		for {
			select {
			case req := <-a.incoming:
				pending = append(pending, req)
			default:
				break drain
			}
		}

		req := pending[0]
		pending = pending[1:]
		if a.step(req) {
			pending = append(pending, req)
		}
	}
}

// step runs the next stage of req and reports whether it has another one.
func (a *AsyncTester) step(req *asyncRequest) bool {
	if req.state == nil {
		if err := req.ctx.Err(); err != nil {
			a.det.log.Infof("Dropping cancelled detection request: %v", err)
			req.out <- AsyncResult{Err: err}
			return false
		}
		st, err := a.det.propose(req.batch, req.proposals)
		if err != nil {
			req.out <- AsyncResult{Err: err}
			return false
		}
		req.state = st
		return true
	}
	dets, err := a.det.detect(req.state, req.rescale)
	req.out <- AsyncResult{Detections: dets, Err: err}
	return false
}
