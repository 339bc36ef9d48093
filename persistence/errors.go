package persistence

import "socketley/errors"

const (
	ErrorMkdir errors.CodeError = iota + errors.MinPkgPersistence
	ErrorMarshal
	ErrorUnmarshal
	ErrorWrite
	ErrorRead
	ErrorFsync
	ErrorRename
	ErrorRemove
	ErrorSaltGenerate
)

func init() {
	errors.RegisterIdFctMessage(ErrorMkdir, getMessage)
}

func getMessage(code errors.CodeError) string {
	switch code {
	case ErrorMkdir:
		return "cannot create state directory"
	case ErrorMarshal:
		return "cannot marshal runtime config"
	case ErrorUnmarshal:
		return "cannot unmarshal runtime config"
	case ErrorWrite:
		return "cannot write runtime config file"
	case ErrorRead:
		return "cannot read runtime config file"
	case ErrorFsync:
		return "cannot fsync runtime config file"
	case ErrorRename:
		return "cannot rename runtime config tmp file into place"
	case ErrorRemove:
		return "cannot remove runtime config file"
	case ErrorSaltGenerate:
		return "cannot generate password salt"
	}

	return ""
}
