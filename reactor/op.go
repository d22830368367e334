package reactor

import "fmt"

// Status is the outcome of a single Op.Perform attempt
type Status int

const (
	// NotDone means the operation would block, retry on the next readiness edge
	NotDone Status = iota
	// Done means the operation finished, successfully or not
	Done
	// DoneAndExhausted means the operation finished and the descriptor has no more data to offer
	// until the next readiness edge, later operations in the same queue are not attempted.
	DoneAndExhausted
)

func (s Status) String() string {
	switch s {
	case NotDone:
		return "not_done"
	case Done:
		return "done"
	case DoneAndExhausted:
		return "done_and_exhausted"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// PerformFunc makes one non-blocking attempt at the operation.
type PerformFunc func() Status

// CompleteFunc delivers the result of an operation. owner is nil when the reactor is only destroying the operation,
// in which case no user code may run.
type CompleteFunc func(owner any, err error, n int)

// Op is the base of every operation queued on a reactor. Concrete operations embed it and bind their perform and
// complete functions once with Init, usually when the object is first allocated.
type Op struct {
	// Err is the result of the operation, nil on success
	Err error
	// N is the number of bytes transferred
	N int

	perform  PerformFunc
	complete CompleteFunc
}

func (o *Op) Init(perform PerformFunc, complete CompleteFunc) {
	o.perform = perform
	o.complete = complete
}

func (o *Op) Perform() Status {
	return o.perform()
}

// Complete hands the result to the operation's completion function. The operation must not be touched afterward.
func (o *Op) Complete(owner any) {
	o.complete(owner, o.Err, o.N)
}

// Destroy releases the operation without running any user code.
func (o *Op) Destroy() {
	o.complete(nil, o.Err, o.N)
}

func (o *Op) abort(err error) {
	o.Err = err
	o.N = 0
}
