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
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"time"
)

// snapshotMagic/snapshotVersion identify the binary format: magic
// header, version word, then length-prefixed entries.
var snapshotMagic = [4]byte{'S', 'K', 'C', 'H'}

const snapshotVersion uint32 = 1

// snapshotEntry is the on-disk projection of one keyspace entry: the
// variant's payload is pre-encoded so the writer never needs type
// knowledge beyond `kind`.
type snapshotEntry struct {
	key      string
	kind     kind
	payload  []byte
	expireAt time.Time
}

func encodeEntry(e *entry) snapshotEntry {
	var buf bytes.Buffer

	switch e.kind {
	case kindString:
		buf.Write(e.str)
	case kindList:
		writeUint64(&buf, uint64(len(e.list)))
		for _, v := range e.list {
			writeUint64(&buf, uint64(len(v)))
			buf.Write(v)
		}
	case kindSet:
		writeUint64(&buf, uint64(len(e.set)))
		for m := range e.set {
			writeUint64(&buf, uint64(len(m)))
			buf.WriteString(m)
		}
	case kindHash:
		writeUint64(&buf, uint64(len(e.hash)))
		for f, v := range e.hash {
			writeUint64(&buf, uint64(len(f)))
			buf.WriteString(f)
			writeUint64(&buf, uint64(len(v)))
			buf.WriteString(v)
		}
	}

	return snapshotEntry{key: e.key, kind: e.kind, payload: buf.Bytes(), expireAt: e.expireAt}
}

func decodeEntry(se snapshotEntry) *entry {
	e := &entry{key: se.key, kind: se.kind, expireAt: se.expireAt}
	r := bytes.NewReader(se.payload)

	switch se.kind {
	case kindString:
		e.str = append([]byte(nil), se.payload...)
	case kindList:
		n, ok := readUint64(r)
		if !ok {
			return nil
		}
		e.list = make([][]byte, 0, n)
		for i := uint64(0); i < n; i++ {
			v, ok := readBytes(r)
			if !ok {
				return nil
			}
			e.list = append(e.list, v)
		}
	case kindSet:
		n, ok := readUint64(r)
		if !ok {
			return nil
		}
		e.set = make(map[string]struct{}, n)
		for i := uint64(0); i < n; i++ {
			v, ok := readBytes(r)
			if !ok {
				return nil
			}
			e.set[string(v)] = struct{}{}
		}
	case kindHash:
		n, ok := readUint64(r)
		if !ok {
			return nil
		}
		e.hash = make(map[string]string, n)
		for i := uint64(0); i < n; i++ {
			f, ok := readBytes(r)
			if !ok {
				return nil
			}
			v, ok := readBytes(r)
			if !ok {
				return nil
			}
			e.hash[string(f)] = string(v)
		}
	}

	return e
}

func writeUint64(buf *bytes.Buffer, n uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], n)
	buf.Write(b[:])
}

func readUint64(r *bytes.Reader) (uint64, bool) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b[:]), true
}

func readBytes(r *bytes.Reader) ([]byte, bool) {
	n, ok := readUint64(r)
	if !ok {
		return nil, false
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, false
	}
	return b, true
}

// WriteSnapshot atomically serializes entries to path via tmp+fsync+rename,
// the same discipline persistence.Save uses for runtime config files.
func WriteSnapshot(path string, entries []snapshotEntry) error {
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return ErrorSnapshotWrite.Error(err)
	}

	if _, err := f.Write(snapshotMagic[:]); err != nil {
		f.Close()
		os.Remove(tmp)
		return ErrorSnapshotWrite.Error(err)
	}

	var verBuf [4]byte
	binary.LittleEndian.PutUint32(verBuf[:], snapshotVersion)
	if _, err := f.Write(verBuf[:]); err != nil {
		f.Close()
		os.Remove(tmp)
		return ErrorSnapshotWrite.Error(err)
	}

	for _, se := range entries {
		if err := writeSnapshotEntry(f, se); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return ErrorSnapshotWrite.Error(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return ErrorSnapshotWrite.Error(err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return ErrorSnapshotWrite.Error(err)
	}

	return nil
}

func writeSnapshotEntry(f *os.File, se snapshotEntry) error {
	var buf bytes.Buffer
	writeUint64(&buf, uint64(len(se.key)))
	buf.WriteString(se.key)
	buf.WriteByte(byte(se.kind))
	writeUint64(&buf, uint64(len(se.payload)))
	buf.Write(se.payload)

	var expiry int64
	if !se.expireAt.IsZero() {
		expiry = se.expireAt.UnixNano()
	}
	var eb [8]byte
	binary.LittleEndian.PutUint64(eb[:], uint64(expiry))
	buf.Write(eb[:])

	_, err := f.Write(buf.Bytes())
	if err != nil {
		return ErrorSnapshotWrite.Error(err)
	}
	return nil
}

// ReadSnapshot loads entries written by WriteSnapshot, rejecting a
// truncated file or an unrecognized version word.
func ReadSnapshot(path string) ([]snapshotEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrorSnapshotRead.Error(err)
	}

	if len(data) < 8 || !bytes.Equal(data[:4], snapshotMagic[:]) {
		return nil, ErrorSnapshotTruncated.Error(nil)
	}

	ver := binary.LittleEndian.Uint32(data[4:8])
	if ver != snapshotVersion {
		return nil, ErrorSnapshotVersion.Error(nil)
	}

	r := bytes.NewReader(data[8:])
	var out []snapshotEntry

	for r.Len() > 0 {
		keyBytes, ok := readBytes(r)
		if !ok {
			return nil, ErrorSnapshotTruncated.Error(nil)
		}

		kb, err := r.ReadByte()
		if err != nil {
			return nil, ErrorSnapshotTruncated.Error(nil)
		}

		payload, ok := readBytes(r)
		if !ok {
			return nil, ErrorSnapshotTruncated.Error(nil)
		}

		expN, ok := readUint64(r)
		if !ok {
			return nil, ErrorSnapshotTruncated.Error(nil)
		}

		var expireAt time.Time
		if expN != 0 {
			expireAt = time.Unix(0, int64(expN))
		}

		out = append(out, snapshotEntry{
			key:      string(keyBytes),
			kind:     kind(kb),
			payload:  payload,
			expireAt: expireAt,
		})
	}

	return out, nil
}
