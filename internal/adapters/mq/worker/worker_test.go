package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	queue "github.com/okian/rota/internal/adapters/mq/queue"
	worker "github.com/okian/rota/internal/adapters/mq/worker"
	model "github.com/okian/rota/internal/domain/model"
	logging "github.com/okian/rota/pkg/logger"
	"github.com/smartystreets/goconvey/convey"
)

type mockQueue struct {
	tasks chan queue.Task
}

func newMockQueue() *mockQueue {
	return &mockQueue{tasks: make(chan queue.Task, 10)}
}

func (mq *mockQueue) Dequeue(context.Context) <-chan queue.Task { return mq.tasks }

func (mq *mockQueue) Close() error {
	close(mq.tasks)
	return nil
}

type mockRefresher struct {
	mu     sync.Mutex
	seen   []string
	errors map[string]error
}

func newMockRefresher() *mockRefresher {
	return &mockRefresher{errors: make(map[string]error)}
}

func (m *mockRefresher) Refresh(_ context.Context, t model.RefreshTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, t.EventID)
	return m.errors[t.EventID]
}

func (m *mockRefresher) setError(eventID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[eventID] = err
}

func (m *mockRefresher) refreshed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.seen...)
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestInMemoryWorker(t *testing.T) {
	convey.Convey("Given a running worker", t, func() {
		_ = logging.Init()

		q := newMockQueue()
		refresher := newMockRefresher()
		w := worker.NewInMemoryWorker(q, refresher, worker.WithName("test-worker"))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Run(ctx)

		convey.Convey("When tasks arrive", func() {
			q.tasks <- model.RefreshTask{EventID: "evt-1"}
			q.tasks <- model.RefreshTask{EventID: "evt-2"}

			convey.Convey("Then each is handed to the refresher in order", func() {
				convey.So(waitFor(func() bool { return len(refresher.refreshed()) == 2 }), convey.ShouldBeTrue)
				convey.So(refresher.refreshed(), convey.ShouldResemble, []string{"evt-1", "evt-2"})
			})
		})

		convey.Convey("When a refresh fails", func() {
			refresher.setError("evt-bad", errors.New("store down"))
			q.tasks <- model.RefreshTask{EventID: "evt-bad"}
			q.tasks <- model.RefreshTask{EventID: "evt-ok"}

			convey.Convey("Then the worker keeps going", func() {
				convey.So(waitFor(func() bool { return len(refresher.refreshed()) == 2 }), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When shutting down", func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer shutdownCancel()

			convey.So(w.Shutdown(shutdownCtx), convey.ShouldBeNil)
		})
	})
}

func TestPool(t *testing.T) {
	convey.Convey("Given a pool over a real queue", t, func() {
		_ = logging.Init()

		q := queue.NewInMemoryQueue(queue.WithCapacity(16))
		refresher := newMockRefresher()
		refresher.setError("evt-bad", errors.New("boom"))
		pool := worker.NewPool(3, q, refresher)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		pool.Start(ctx)

		convey.Convey("When tasks for several events are enqueued", func() {
			for _, id := range []string{"evt-1", "evt-2", "evt-3", "evt-bad"} {
				convey.So(q.Enqueue(ctx, model.RefreshTask{EventID: id}), convey.ShouldBeTrue)
			}

			convey.Convey("Then all are processed and only successes counted", func() {
				convey.So(waitFor(func() bool { return len(refresher.refreshed()) == 4 }), convey.ShouldBeTrue)
				convey.So(waitFor(func() bool { return pool.Processed() == 3 }), convey.ShouldBeTrue)
			})

			convey.Convey("And shutdown closes the queue", func() {
				convey.So(pool.Shutdown(context.Background()), convey.ShouldBeNil)
				convey.So(q.IsClosed(), convey.ShouldBeTrue)
			})
		})
	})
}
