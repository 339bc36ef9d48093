package extvm

import "socketley/errors"

const (
	ErrorScriptRead errors.CodeError = iota + errors.MinPkgExtVM
	ErrorScriptLoad
	ErrorScriptPanic
	ErrorScriptThrow
	ErrorScriptNoCallback
)

func init() {
	errors.RegisterIdFctMessage(ErrorScriptRead, getMessage)
}

func getMessage(code errors.CodeError) string {
	switch code {
	case ErrorScriptRead:
		return "cannot read extension script file"
	case ErrorScriptLoad:
		return "cannot compile/run extension script"
	case ErrorScriptPanic:
		return "extension callback panicked"
	case ErrorScriptThrow:
		return "extension callback threw"
	case ErrorScriptNoCallback:
		return "extension script does not define that callback"
	}

	return ""
}
