package executor

// Work keeps an Executor's outstanding work count raised until the operation that owns it finishes. A Work value has a
// single owner at any time, use Take to move it.
type Work struct {
	ex Executor
}

func NewWork(ex Executor) Work {
	ex.WorkStarted()
	return Work{ex: ex}
}

// Take moves the work out of w, leaving w empty
func (w *Work) Take() Work {
	t := *w
	w.ex = nil
	return t
}

// Owns reports whether w still holds outstanding work
func (w *Work) Owns() bool {
	return w.ex != nil
}

// Complete posts task to the executor. The work is released once task has returned, even if it panics, or right away
// when the executor drops task.
func (w *Work) Complete(task func()) {
	ex := w.ex
	if ex == nil {
		panic("executor: completing work that is not owned")
	}
	w.ex = nil

	posted := ex.Post(func() {
		defer ex.WorkFinished()
		task()
	})
	if !posted {
		ex.WorkFinished()
	}
}

// Reset releases the work without running anything
func (w *Work) Reset() {
	if w.ex != nil {
		w.ex.WorkFinished()
		w.ex = nil
	}
}
