package proxy

import "socketley/errors"

const (
	ErrorListen errors.CodeError = iota + errors.MinPkgProxy
	ErrorNoBackends
	ErrorAllUnhealthy
	ErrorDial
	ErrorBadRequest
	ErrorBadConfig
)

func init() {
	errors.RegisterIdFctMessage(ErrorListen, getMessage)
}

func getMessage(code errors.CodeError) string {
	switch code {
	case ErrorListen:
		return "proxy listen failed"
	case ErrorNoBackends:
		return "proxy has no configured backends"
	case ErrorAllUnhealthy:
		return "no healthy backend available"
	case ErrorDial:
		return "proxy could not connect to backend"
	case ErrorBadRequest:
		return "malformed proxy request"
	case ErrorBadConfig:
		return "proxy: invalid configuration"
	}

	return ""
}
