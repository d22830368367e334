package test

import "sync"

// Executor is a step driven executor, posted tasks only run when RunPending is called
type Executor struct {
	mu          sync.Mutex
	tasks       []func()
	outstanding int
	stopped     bool
}

func NewExecutor() *Executor {
	return &Executor{}
}

func (e *Executor) Post(task func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	e.tasks = append(e.tasks, task)
	return true
}

// Stop drops every queued task and makes later posts fail
func (e *Executor) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	e.tasks = nil
}

func (e *Executor) WorkStarted() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outstanding++
}

func (e *Executor) WorkFinished() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outstanding--
}

// Outstanding returns the number of units of work that have not finished
func (e *Executor) Outstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outstanding
}

// Queued returns the number of tasks waiting for RunPending
func (e *Executor) Queued() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// RunPending runs every queued task, including ones posted while running, and returns how many ran
func (e *Executor) RunPending() int {
	n := 0
	for {
		e.mu.Lock()
		if len(e.tasks) == 0 {
			e.mu.Unlock()
			return n
		}
		task := e.tasks[0]
		e.tasks = e.tasks[1:]
		e.mu.Unlock()

		task()
		n++
	}
}
