package server

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// workerPool runs WorkerFunc on a bounded, reusable set of goroutines
// instead of spawning one per packet. Idle workers block on their own
// ready channel rather than a shared queue, the same design fasthttp uses
// for its connection workers: handing off a job is a single non-blocking
// channel send once a worker is parked, with no further synchronization.
type workerPool struct {
	WorkerFunc      func(c *context) error
	MaxWorkersCount int
	Logger          *zap.Logger

	lock         sync.Mutex
	mustStop     bool
	ready        []*workerChan
	workersCount int
	stopCh       chan struct{}

	workerChanPool sync.Pool
}

type workerChan struct {
	lastUseTime time.Time
	ch          chan *context
}

const workerChanCap = 1

// maxIdleWorkerDuration bounds how long an idle worker goroutine is kept
// alive before cleanOnce reclaims it.
const maxIdleWorkerDuration = 10 * time.Second

// Start prepares the pool to accept Serve calls and begins the idle-worker
// janitor. Calling Start without a matching Stop leaks the janitor
// goroutine.
func (wp *workerPool) Start() {
	wp.mustStop = false
	wp.workersCount = 0
	wp.workerChanPool.New = func() interface{} {
		return &workerChan{ch: make(chan *context, workerChanCap)}
	}
	stopCh := make(chan struct{})
	go func() {
		var scratch []*workerChan
		t := time.NewTimer(maxIdleWorkerDuration)
		defer t.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-t.C:
				wp.cleanOnce(&scratch)
				t.Reset(maxIdleWorkerDuration)
			}
		}
	}()
	wp.stopCh = stopCh
}

func (wp *workerPool) cleanOnce(scratch *[]*workerChan) {
	criticalTime := time.Now().Add(-maxIdleWorkerDuration)
	wp.lock.Lock()
	ready := wp.ready
	n := len(ready)
	l, r := 0, n-1
	for l <= r {
		mid := (l + r) / 2
		if criticalTime.After(ready[mid].lastUseTime) {
			l = mid + 1
		} else {
			r = mid - 1
		}
	}
	i := r
	if i == -1 {
		wp.lock.Unlock()
		return
	}
	*scratch = append((*scratch)[:0], ready[:i+1]...)
	m := copy(ready, ready[i+1:])
	for j := m; j < n; j++ {
		ready[j] = nil
	}
	wp.ready = ready[:m]
	wp.lock.Unlock()

	for _, ch := range *scratch {
		ch.ch <- nil
	}
}

// Stop signals every idle worker and the janitor goroutine to exit. It does
// not wait for in-flight WorkerFunc calls to return.
func (wp *workerPool) Stop() {
	wp.lock.Lock()
	if wp.mustStop {
		wp.lock.Unlock()
		panic("BUG: workerPool already stopped")
	}
	wp.mustStop = true
	ready := wp.ready
	for _, ch := range ready {
		ch.ch <- nil
	}
	wp.ready = nil
	wp.lock.Unlock()
	if wp.stopCh != nil {
		close(wp.stopCh)
	}
}

func (wp *workerPool) getCh() *workerChan {
	var ch *workerChan
	createWorker := false

	wp.lock.Lock()
	n := len(wp.ready)
	if n == 0 {
		if wp.workersCount < wp.MaxWorkersCount {
			createWorker = true
			wp.workersCount++
		}
	} else {
		ch = wp.ready[n-1]
		wp.ready = wp.ready[:n-1]
	}
	wp.lock.Unlock()

	if ch != nil {
		return ch
	}
	if !createWorker {
		return nil
	}

	vch := wp.workerChanPool.Get()
	ch = vch.(*workerChan)
	go func() {
		wp.workerFunc(ch)
		wp.workerChanPool.Put(vch)
	}()
	return ch
}

func (wp *workerPool) release(ch *workerChan) bool {
	ch.lastUseTime = time.Now()
	wp.lock.Lock()
	if wp.mustStop {
		wp.lock.Unlock()
		return false
	}
	wp.ready = append(wp.ready, ch)
	wp.lock.Unlock()
	return true
}

func (wp *workerPool) workerFunc(ch *workerChan) {
	for c := range ch.ch {
		if c == nil {
			break
		}
		if err := wp.WorkerFunc(c); err != nil {
			wp.Logger.Warn("worker func failed", zap.Error(err))
		}
		putContext(c)
		if !wp.release(ch) {
			break
		}
	}
	wp.lock.Lock()
	wp.workersCount--
	wp.lock.Unlock()
}

// Serve hands c off to an idle or freshly-spawned worker, returning false
// if the pool is at MaxWorkersCount and every worker is busy.
func (wp *workerPool) Serve(c *context) bool {
	ch := wp.getCh()
	if ch == nil {
		return false
	}
	ch.ch <- c
	return true
}
