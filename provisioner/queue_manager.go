package provisioner

import (
	"sync"
	"time"

	"preview-env-manager/metrics"
	"preview-env-manager/queues"
)

// QueueEntry is a request waiting for its turn on a service name.
type QueueEntry struct {
	Request   *queues.EnvironmentRequest
	Timestamp time.Time

	position int
	turn     chan struct{}
	closed   bool
}

// Turn is closed once the entry reaches the head of its queue.
func (e *QueueEntry) Turn() <-chan struct{} { return e.turn }

func (e *QueueEntry) signal() {
	if !e.closed {
		e.closed = true
		close(e.turn)
	}
}

// QueueManager serialises requests per service name. Queues live in memory;
// the provisioner runs as a single replica.
type QueueManager struct {
	mu     sync.RWMutex
	queues map[string][]*QueueEntry // key: service name
}

func NewQueueManager() *QueueManager {
	return &QueueManager{
		queues: make(map[string][]*QueueEntry),
	}
}

// Enqueue appends req to the queue for serviceName and returns the entry with
// its 1-based position at the time of enqueueing. The entry's Turn channel is
// already closed when the queue was empty.
func (qm *QueueManager) Enqueue(serviceName string, req *queues.EnvironmentRequest) (*QueueEntry, int) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	entry := &QueueEntry{
		Request:   req,
		Timestamp: time.Now(),
		turn:      make(chan struct{}),
	}
	qm.queues[serviceName] = append(qm.queues[serviceName], entry)
	qm.renumber(serviceName)
	if entry.position == 1 {
		entry.signal()
	} else {
		metrics.QueueWaiting.Inc()
	}
	return entry, entry.position
}

// Leave removes entry from the queue, whether it finished at the head or gave
// up while waiting, and wakes the new head. Entries are matched by identity,
// so a redelivered request with the same id never removes another copy.
func (qm *QueueManager) Leave(serviceName string, target *QueueEntry) bool {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	queue := qm.queues[serviceName]
	for i, entry := range queue {
		if entry != target {
			continue
		}
		if !entry.closed {
			metrics.QueueWaiting.Dec()
		}
		rest := append(queue[:i:i], queue[i+1:]...)
		if len(rest) == 0 {
			delete(qm.queues, serviceName)
			return true
		}
		qm.queues[serviceName] = rest
		qm.renumber(serviceName)
		if head := rest[0]; !head.closed {
			head.signal()
			metrics.QueueWaiting.Dec()
		}
		return true
	}
	return false
}

// GetPosition returns the current 1-based position of the first entry with
// requestID.
func (qm *QueueManager) GetPosition(serviceName, requestID string) (int, bool) {
	qm.mu.RLock()
	defer qm.mu.RUnlock()

	for _, entry := range qm.queues[serviceName] {
		if entry.Request.RequestID == requestID {
			return entry.position, true
		}
	}
	return 0, false
}

func (qm *QueueManager) GetQueueLength(serviceName string) int {
	qm.mu.RLock()
	defer qm.mu.RUnlock()
	return len(qm.queues[serviceName])
}

// GetAllQueues returns queue lengths keyed by service name.
func (qm *QueueManager) GetAllQueues() map[string]int {
	qm.mu.RLock()
	defer qm.mu.RUnlock()

	snapshot := make(map[string]int, len(qm.queues))
	for name, queue := range qm.queues {
		snapshot[name] = len(queue)
	}
	return snapshot
}

func (qm *QueueManager) renumber(serviceName string) {
	for i, e := range qm.queues[serviceName] {
		e.position = i + 1
	}
}
