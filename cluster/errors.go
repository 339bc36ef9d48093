package cluster

import "socketley/errors"

const (
	ErrorNameClaimed errors.CodeError = iota + errors.MinPkgCluster
	ErrorMkdir
	ErrorMarshal
	ErrorWrite
	ErrorFsync
	ErrorRename
	ErrorWatch
)

func init() {
	errors.RegisterIdFctMessage(ErrorNameClaimed, getMessage)
}

func getMessage(code errors.CodeError) string {
	switch code {
	case ErrorNameClaimed:
		return "a daemon with this name already has a fresh heartbeat in the cluster directory"
	case ErrorMkdir:
		return "cannot create cluster directory"
	case ErrorMarshal:
		return "cannot marshal cluster snapshot"
	case ErrorWrite:
		return "cannot write cluster snapshot"
	case ErrorFsync:
		return "cannot fsync cluster snapshot"
	case ErrorRename:
		return "cannot rename cluster snapshot into place"
	case ErrorWatch:
		return "cannot watch cluster directory"
	}

	return ""
}
