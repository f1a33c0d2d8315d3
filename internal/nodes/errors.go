package nodes

// classified wraps a collaborator error with an explicit retry classification.
type classified struct {
	err       error
	transient bool
}

func (e *classified) Error() string   { return e.err.Error() }
func (e *classified) Unwrap() error   { return e.err }
func (e *classified) Transient() bool { return e.transient }

// Transient marks err as worth retrying (for example, upstream unavailable).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, transient: true}
}

// Permanent marks err as never worth retrying (for example, a rejected request).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, transient: false}
}
