package control

import "socketley/errors"

const (
	ErrorListen errors.CodeError = iota + errors.MinPkgControl
	ErrorBadCommand
	ErrorBadArgs
	ErrorUnknownCommand
	ErrorUnknownKind
	ErrorNotInteractive
	ErrorScriptsDisabled
	ErrorTLSDisabled
)

func init() {
	errors.RegisterIdFctMessage(ErrorListen, getMessage)
}

func getMessage(code errors.CodeError) string {
	switch code {
	case ErrorListen:
		return "cannot listen on control socket"
	case ErrorBadCommand:
		return "empty or malformed command line"
	case ErrorBadArgs:
		return "bad command arguments"
	case ErrorUnknownCommand:
		return "unknown command"
	case ErrorUnknownKind:
		return "unknown runtime kind"
	case ErrorNotInteractive:
		return "runtime does not support interactive attach"
	case ErrorScriptsDisabled:
		return "extension scripts are disabled on this daemon"
	case ErrorTLSDisabled:
		return "TLS is disabled on this daemon"
	}

	return ""
}
