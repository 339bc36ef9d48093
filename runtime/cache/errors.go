/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

package cache

import "socketley/errors"

const (
	ErrorListen errors.CodeError = iota + errors.MinPkgCache
	ErrorWrongType
	ErrorReadOnly
	ErrorUnknownCommand
	ErrorProtocol
	ErrorOOM
	ErrorSnapshotWrite
	ErrorSnapshotRead
	ErrorSnapshotVersion
	ErrorSnapshotTruncated
	ErrorBadConfig
)

func init() {
	errors.RegisterIdFctMessage(ErrorListen, getMessage)
}

func getMessage(code errors.CodeError) string {
	switch code {
	case ErrorListen:
		return "cache listen failed"
	case ErrorWrongType:
		return "operation against a key holding the wrong kind of value"
	case ErrorReadOnly:
		return "cache is in readonly mode"
	case ErrorUnknownCommand:
		return "unknown cache command"
	case ErrorProtocol:
		return "cache protocol error"
	case ErrorOOM:
		return "max_memory exceeded"
	case ErrorSnapshotWrite:
		return "snapshot write failed"
	case ErrorSnapshotRead:
		return "snapshot read failed"
	case ErrorSnapshotVersion:
		return "snapshot version mismatch"
	case ErrorSnapshotTruncated:
		return "snapshot file truncated"
	case ErrorBadConfig:
		return "cache: invalid configuration"
	}

	return ""
}
