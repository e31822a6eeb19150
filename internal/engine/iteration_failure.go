package engine

// iterationFailure carries a forEach/parallel-group iteration's
// retryability through refresolver.Run, whose IterationFunc signature is
// (interface{}, error) and so can't pass the richer steprunner.Outcome
// along directly.
type iterationFailure struct {
	err       error
	retryable bool
}

func (f *iterationFailure) Error() string { return f.err.Error() }
func (f *iterationFailure) Unwrap() error { return f.err }
