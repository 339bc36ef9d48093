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

package errors

// Code ranges for every subsystem in the daemon, mirroring the error
// taxonomy. Each subsystem reserves 100 codes starting at its Min constant;
// its first error constant takes the Min value itself.
const (
	MinPkgReactor     = 100
	MinPkgBufferPool  = 200
	MinPkgFdTable     = 300
	MinPkgCertificate = 400
	MinPkgWebSocket   = 500
	MinPkgRegistry    = 600
	MinPkgPersistence = 700
	MinPkgRuntime     = 800
	MinPkgServer      = 900
	MinPkgClient      = 1000
	MinPkgProxy       = 1100
	MinPkgCache       = 1200
	MinPkgCluster     = 1300
	MinPkgControl     = 1400
	MinPkgExtVM       = 1500
	MinPkgConfig      = 1600
	MinPkgLogger      = 1700

	MinAvailable = 2000
)
