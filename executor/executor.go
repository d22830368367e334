package executor

// Executor is an execution context that runs posted tasks and tracks outstanding work. A task posted to an Executor
// never runs on the caller's stack. Post reports false when the task was dropped because the executor is stopped.
type Executor interface {
	Post(task func()) bool
	WorkStarted()
	WorkFinished()
}
