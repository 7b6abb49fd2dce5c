package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/acelab/ace/internal/acerr"
	"github.com/acelab/ace/internal/domain/analysis"
)

// memQueue is an unbounded FIFO of serialized payloads. Consumers waiting
// on an empty queue park on the signal channel and re-check; the signal is
// best-effort, so a wakeup without work just loops back to waiting.
type memQueue struct {
	items  [][]byte
	signal chan struct{}
}

func newMemQueue() *memQueue {
	return &memQueue{signal: make(chan struct{}, 1)}
}

func (q *memQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// WorkQueueStore implementation -----------------------------------------------

func (m *Memory) AddQueue(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.queues[name]; ok {
		return false, nil
	}
	m.queues[name] = newMemQueue()
	return true, nil
}

func (m *Memory) DeleteQueue(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue, ok := m.queues[name]
	if !ok {
		return false, nil
	}
	delete(m.queues, name)
	queue.wake()
	return true, nil
}

func (m *Memory) PutWork(_ context.Context, name string, ar *analysis.AnalysisRequest) error {
	data, err := json.Marshal(ar)
	if err != nil {
		return err
	}

	m.mu.Lock()
	queue, ok := m.queues[name]
	if !ok {
		m.mu.Unlock()
		return acerr.UnknownModuleType(name)
	}
	queue.items = append(queue.items, data)
	m.mu.Unlock()

	queue.wake()
	return nil
}

func (m *Memory) GetWork(ctx context.Context, name string, timeout time.Duration) (*analysis.AnalysisRequest, error) {
	deadline := time.Now().Add(timeout)

	for {
		m.mu.Lock()
		queue, ok := m.queues[name]
		if !ok {
			m.mu.Unlock()
			return nil, acerr.UnknownModuleType(name)
		}
		if len(queue.items) > 0 {
			data := queue.items[0]
			queue.items = queue.items[1:]
			m.mu.Unlock()
			return decodeRequest(data)
		}
		m.mu.Unlock()

		if timeout <= 0 {
			return nil, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-queue.signal:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (m *Memory) QueueSize(_ context.Context, name string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	queue, ok := m.queues[name]
	if !ok {
		return 0, acerr.UnknownModuleType(name)
	}
	return len(queue.items), nil
}

// AlertStore implementation ---------------------------------------------------

func (m *Memory) RegisterAlertSystem(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.alertSystems[name]; ok {
		return false, nil
	}
	m.alertSystems[name] = newMemQueue()
	return true, nil
}

func (m *Memory) UnregisterAlertSystem(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue, ok := m.alertSystems[name]
	if !ok {
		return false, nil
	}
	delete(m.alertSystems, name)
	queue.wake()
	return true, nil
}

func (m *Memory) SubmitAlert(_ context.Context, rootUUID string) (bool, error) {
	m.mu.Lock()
	queues := make([]*memQueue, 0, len(m.alertSystems))
	for _, queue := range m.alertSystems {
		queue.items = append(queue.items, []byte(rootUUID))
		queues = append(queues, queue)
	}
	m.mu.Unlock()

	for _, queue := range queues {
		queue.wake()
	}
	return len(queues) > 0, nil
}

func (m *Memory) GetAlert(ctx context.Context, name string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)

	for {
		m.mu.Lock()
		queue, ok := m.alertSystems[name]
		if !ok {
			m.mu.Unlock()
			return "", acerr.UnknownAlertSystem(name)
		}
		if len(queue.items) > 0 {
			data := queue.items[0]
			queue.items = queue.items[1:]
			m.mu.Unlock()
			return string(data), nil
		}
		m.mu.Unlock()

		if timeout <= 0 {
			return "", nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-queue.signal:
			timer.Stop()
		case <-timer.C:
			return "", nil
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		}
	}
}
