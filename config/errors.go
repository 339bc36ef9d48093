package config

import "socketley/errors"

const (
	ErrorConfigRead errors.CodeError = iota + errors.MinPkgConfig
	ErrorConfigUnmarshal
	ErrorConfigValidate
)

func init() {
	errors.RegisterIdFctMessage(ErrorConfigRead, getMessage)
}

func getMessage(code errors.CodeError) string {
	switch code {
	case ErrorConfigRead:
		return "cannot read daemon bootstrap config file"
	case ErrorConfigUnmarshal:
		return "cannot unmarshal daemon bootstrap config"
	case ErrorConfigValidate:
		return "daemon bootstrap config failed validation"
	}

	return ""
}
