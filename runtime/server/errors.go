package server

import "socketley/errors"

const (
	ErrorListen errors.CodeError = iota + errors.MinPkgServer
	ErrorMaxConnections
	ErrorAuthDenied
	ErrorUnknownRoute
	ErrorBadConfig
)

func init() {
	errors.RegisterIdFctMessage(ErrorListen, getMessage)
}

func getMessage(code errors.CodeError) string {
	switch code {
	case ErrorListen:
		return "server: listen failed"
	case ErrorMaxConnections:
		return "server: max connections reached"
	case ErrorAuthDenied:
		return "server: on_auth denied connection"
	case ErrorUnknownRoute:
		return "server: routed-to target not found"
	case ErrorBadConfig:
		return "server: invalid configuration"
	}

	return ""
}
