package certificates

import "socketley/errors"

const (
	ErrorParamsEmpty errors.CodeError = iota + errors.MinPkgCertificate
	ErrorFileStat
	ErrorFileRead
	ErrorFileEmpty
	ErrorCertLoad
	ErrorCAParse
)

func init() {
	errors.RegisterIdFctMessage(ErrorParamsEmpty, getMessage)
}

func getMessage(code errors.CodeError) string {
	switch code {
	case ErrorParamsEmpty:
		return "certificate file path is empty"
	case ErrorFileStat:
		return "cannot stat certificate file"
	case ErrorFileRead:
		return "cannot read certificate file"
	case ErrorFileEmpty:
		return "certificate file is empty"
	case ErrorCertLoad:
		return "cannot load certificate/key pair"
	case ErrorCAParse:
		return "cannot parse CA bundle"
	}

	return ""
}
