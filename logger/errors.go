package logger

import "socketley/errors"

const (
	ErrorLevelParse errors.CodeError = iota + errors.MinPkgLogger
	ErrorFileOpen
)

func init() {
	errors.RegisterIdFctMessage(ErrorLevelParse, getMessage)
}

func getMessage(code errors.CodeError) string {
	switch code {
	case ErrorLevelParse:
		return "cannot parse configured log level"
	case ErrorFileOpen:
		return "cannot open configured log file"
	}

	return ""
}
