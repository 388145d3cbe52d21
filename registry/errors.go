package registry

type ErrInvalidRegistration struct {
	msg string
}

func (e *ErrInvalidRegistration) Error() string {
	return e.msg
}

type ErrDelegateAlreadyRegistered struct {
	msg string
}

func (e *ErrDelegateAlreadyRegistered) Error() string {
	return e.msg
}

type ErrRuleAlreadyRegistered struct {
	msg string
}

func (e *ErrRuleAlreadyRegistered) Error() string {
	return e.msg
}
