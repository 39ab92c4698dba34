package utils

import (
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const (
	TASK_CHAN_SIZE = 100
)

type WorkerFunction[T any] func(t *tomb.Tomb, task T) error

// WorkerPool runs a fixed number of workers against a shared task queue.
// Workers live on the caller's tomb: the first worker error kills it.
type WorkerPool[T any] struct {
	n     int    // number of workers
	tasks chan T // pending tasks
	name  string // for logging
}

func NewWorkerPool[T any](name string, size int) *WorkerPool[T] {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool[T]{
		n:     size,
		name:  name,
		tasks: make(chan T, TASK_CHAN_SIZE),
	}
}

func (pool *WorkerPool[T]) Size() int { return pool.n }

// Setup starts the workers on t and returns immediately.
func (pool *WorkerPool[T]) Setup(t *tomb.Tomb, work WorkerFunction[T]) {
	for id := 0; id < pool.n; id++ {
		t.Go(func() error {
			return pool.worker(t, id, work)
		})
	}
}

// AddTask queues a task. It blocks while the queue is full and gives up
// once t is dying.
func (pool *WorkerPool[T]) AddTask(t *tomb.Tomb, task T) bool {
	select {
	case pool.tasks <- task:
		return true
	case <-t.Dying():
		return false
	}
}

// TryAddTask queues a task only if the queue has room.
func (pool *WorkerPool[T]) TryAddTask(task T) bool {
	select {
	case pool.tasks <- task:
		return true
	default:
		return false
	}
}

// Workers wait on tasks in the task pool and action them.
func (pool *WorkerPool[T]) worker(t *tomb.Tomb, id int, work WorkerFunction[T]) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case task := <-pool.tasks:
			if err := work(t, task); err != nil {
				log.Error().Err(err).Str("pool", pool.name).Int("id", id).Msg("worker exiting")
				return err
			}
		}
	}
}
