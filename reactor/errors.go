package reactor

import "socketley/errors"

const (
	ErrorInitFailed errors.CodeError = iota + errors.MinPkgReactor
	ErrorRingFull
	ErrorCapabilityProbe
)

func init() {
	errors.RegisterIdFctMessage(ErrorInitFailed, getMessage)
}

func getMessage(code errors.CodeError) string {
	switch code {
	case ErrorInitFailed:
		return "reactor initialization failed"
	case ErrorRingFull:
		return "submission ring full after flush-and-retry, submission dropped"
	case ErrorCapabilityProbe:
		return "reactor capability probe failed, falling back to plain mode"
	}

	return ""
}
