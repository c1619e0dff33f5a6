package trail

import "fmt"

// StepError reports a failed transactional sub-step: the whole transaction,
// including the entity mutation itself, was rolled back. Step names the
// operation stage that failed; Err carries the underlying cause.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
