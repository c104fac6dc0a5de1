package process

import (
	"bytes"
	"regexp"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

var tokenPattern = regexp.MustCompile(`(?i)session id:\s*([A-Za-z0-9._:-]+)`)

// maxPendingLine bounds the partial line kept between reads.
const maxPendingLine = 4096

// tokenScanner watches output for the line announcing a resumable session id.
// The last match wins.
type tokenScanner struct {
	mu      sync.Mutex
	pending []byte
	token   string
}

func (s *tokenScanner) Write(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, p...)
	for {
		i := bytes.IndexAny(s.pending, "\r\n")
		if i < 0 {
			break
		}
		s.scanLine(s.pending[:i])
		s.pending = s.pending[i+1:]
	}
	if len(s.pending) > maxPendingLine {
		s.pending = append([]byte(nil), s.pending[len(s.pending)-maxPendingLine:]...)
	}
}

func (s *tokenScanner) scanLine(line []byte) {
	clean := ansi.Strip(string(line))
	if m := tokenPattern.FindStringSubmatch(clean); m != nil {
		s.token = m[1]
	}
}

// Token flushes any unterminated final line and returns the last token seen.
func (s *tokenScanner) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > 0 {
		s.scanLine(s.pending)
		s.pending = nil
	}
	return strings.TrimSpace(s.token)
}
