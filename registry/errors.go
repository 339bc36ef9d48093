package registry

import "socketley/errors"

const (
	ErrorNotFound errors.CodeError = iota + errors.MinPkgRegistry
	ErrorNameTaken
	ErrorUnknownKind
	ErrorFactory
	ErrorIDCollision
)

func init() {
	errors.RegisterIdFctMessage(ErrorNotFound, getMessage)
}

func getMessage(code errors.CodeError) string {
	switch code {
	case ErrorNotFound:
		return "no runtime with that name"
	case ErrorNameTaken:
		return "a runtime with that name already exists"
	case ErrorUnknownKind:
		return "no factory registered for that runtime kind"
	case ErrorFactory:
		return "runtime factory failed"
	case ErrorIDCollision:
		return "could not derive a unique runtime id after bounded retries"
	}

	return ""
}
