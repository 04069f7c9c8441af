// MIT License
//
// Copyright (c) 2025 TTBT Enterprises LLC
// Copyright (c) 2025 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package samlfed

import (
	"log"
)

type logType int

const (
	logRequest logType = iota
	logError
)

func (s *Server) logRequestF(format string, args ...any) {
	if !s.shouldLog(logRequest) {
		return
	}
	log.Printf(format, args...)
}

func (s *Server) logErrorF(format string, args ...any) {
	if !s.shouldLog(logError) {
		return
	}
	log.Printf(format, args...)
}

func (s *Server) shouldLog(typ logType) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return true
	}
	f := s.cfg.LogFilter
	if typ == logRequest && f.Requests != nil {
		return *f.Requests
	}
	if typ == logError && f.Errors != nil {
		return *f.Errors
	}
	return true
}
