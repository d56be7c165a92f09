// Package tasks tracks the background monitor goroutines, one per
// running container. The manager spawns a task when a container
// starts; the task disappears from the set when its function returns.
package tasks

import "sync"

type TaskManager struct {
	mutex   sync.Mutex
	running map[string]*Task
}

type Task struct {
	done chan struct{}
}

func NewTaskManager() *TaskManager {
	return &TaskManager{running: map[string]*Task{}}
}

// Spawn runs f in its own goroutine, registered under id. A task
// already registered under the same id is replaced; the old goroutine
// keeps running but is no longer tracked.
func (t *TaskManager) Spawn(id string, f func()) *Task {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	task := &Task{done: make(chan struct{})}
	t.running[id] = task

	go func() {
		defer func() {
			t.mutex.Lock()
			if t.running[id] == task {
				delete(t.running, id)
			}
			t.mutex.Unlock()
			close(task.done)
		}()
		f()
	}()

	return task
}

// Wait blocks until the task registered under id has finished. An id
// with no task returns immediately.
func (t *TaskManager) Wait(id string) {
	t.mutex.Lock()
	task, ok := t.running[id]
	t.mutex.Unlock()
	if ok {
		<-task.done
	}
}

// Len returns how many tasks are still running.
func (t *TaskManager) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.running)
}

// Done exposes the task's completion channel.
func (task *Task) Done() <-chan struct{} {
	return task.done
}
