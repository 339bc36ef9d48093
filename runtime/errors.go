package runtime

import "socketley/errors"

const (
	ErrorAlreadyRunning errors.CodeError = iota + errors.MinPkgRuntime
	ErrorNotRunning
)

func init() {
	errors.RegisterIdFctMessage(ErrorAlreadyRunning, getMessage)
}

func getMessage(code errors.CodeError) string {
	switch code {
	case ErrorAlreadyRunning:
		return "runtime is already running"
	case ErrorNotRunning:
		return "runtime is not running"
	}

	return ""
}
