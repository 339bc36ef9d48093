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

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// reply is the dispatcher's result, translated to wire bytes by
// writeReply according to which protocol the request arrived on.
type reply struct {
	nilValue bool
	ok       bool
	err      error
	integer  *int64
	bulk     []byte
	array    [][]byte
}

func replyOK() reply              { return reply{ok: true} }
func replyNil() reply             { return reply{nilValue: true} }
func replyErr(err error) reply    { return reply{err: err} }
func replyInt(n int64) reply      { return reply{integer: &n} }
func replyBulk(b []byte) reply    { return reply{bulk: b} }
func replyArray(a [][]byte) reply { return reply{array: a} }

// readCommand reads one request from br, auto-detecting RESP2 (leading
// '*') versus the inline protocol (whitespace-separated tokens up to
// '\n'), unless forceRESP2 pins the mode for redis-benchmark
// compatibility.
func readCommand(br *bufio.Reader, forceRESP2 bool) (args []string, isRESP2 bool, err error) {
	b, err := br.Peek(1)
	if err != nil {
		return nil, false, err
	}

	if forceRESP2 || b[0] == '*' {
		args, err = readRESP2(br)
		return args, true, err
	}

	args, err = readInline(br)
	return args, false, err
}

func readRESP2(br *bufio.Reader) ([]string, error) {
	line, err := readLine(br)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != '*' {
		return nil, ErrorProtocol.Error(nil)
	}

	n, err := strconv.Atoi(strings.TrimSpace(line[1:]))
	if err != nil || n < 0 {
		return nil, ErrorProtocol.Error(err)
	}

	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		head, err := readLine(br)
		if err != nil {
			return nil, err
		}
		if len(head) == 0 || head[0] != '$' {
			return nil, ErrorProtocol.Error(nil)
		}

		size, err := strconv.Atoi(strings.TrimSpace(head[1:]))
		if err != nil || size < 0 {
			return nil, ErrorProtocol.Error(err)
		}

		buf := make([]byte, size+2) // payload + trailing CRLF
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}

	return args, nil
}

// maxInlineLength is the longest inline command line accepted; a longer
// line is a protocol error.
const maxInlineLength = 64 * 1024

func readInline(br *bufio.Reader) ([]string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return nil, err
	}
	if len(line) > maxInlineLength {
		return nil, ErrorProtocol.Error(nil)
	}
	return strings.Fields(line), nil
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// writeReply encodes r onto w using RESP2 framing when resp2 is set,
// otherwise the inline protocol's line-terminated text form.
func writeReply(w io.Writer, resp2 bool, r reply) error {
	if resp2 {
		return writeRESP2(w, r)
	}
	return writeInline(w, r)
}

func writeRESP2(w io.Writer, r reply) error {
	switch {
	case r.err != nil:
		_, err := fmt.Fprintf(w, "-%s\r\n", r.err.Error())
		return err
	case r.nilValue:
		_, err := fmt.Fprint(w, "$-1\r\n")
		return err
	case r.ok:
		_, err := fmt.Fprint(w, "+OK\r\n")
		return err
	case r.integer != nil:
		_, err := fmt.Fprintf(w, ":%d\r\n", *r.integer)
		return err
	case r.array != nil:
		if _, err := fmt.Fprintf(w, "*%d\r\n", len(r.array)); err != nil {
			return err
		}
		for _, v := range r.array {
			if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v); err != nil {
				return err
			}
		}
		return nil
	default:
		_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(r.bulk), r.bulk)
		return err
	}
}

func writeInline(w io.Writer, r reply) error {
	switch {
	case r.err != nil:
		_, err := fmt.Fprintf(w, "ERR %s\n", r.err.Error())
		return err
	case r.nilValue:
		_, err := fmt.Fprint(w, "NIL\n")
		return err
	case r.ok:
		_, err := fmt.Fprint(w, "OK\n")
		return err
	case r.integer != nil:
		_, err := fmt.Fprintf(w, "%d\n", *r.integer)
		return err
	case r.array != nil:
		parts := make([]string, len(r.array))
		for i, v := range r.array {
			parts[i] = string(v)
		}
		_, err := fmt.Fprintf(w, "%s\n", strings.Join(parts, " "))
		return err
	default:
		_, err := fmt.Fprintf(w, "%s\n", r.bulk)
		return err
	}
}
