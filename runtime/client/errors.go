package client

import "socketley/errors"

const (
	ErrorConnect errors.CodeError = iota + errors.MinPkgClient
	ErrorReconnectExhausted
	ErrorSendQueueFull
	ErrorBadConfig
)

func init() {
	errors.RegisterIdFctMessage(ErrorConnect, getMessage)
}

func getMessage(code errors.CodeError) string {
	switch code {
	case ErrorConnect:
		return "client: connect failed"
	case ErrorReconnectExhausted:
		return "client: reconnect attempts exhausted"
	case ErrorSendQueueFull:
		return "client: send queue full"
	case ErrorBadConfig:
		return "client: invalid configuration"
	}

	return ""
}
