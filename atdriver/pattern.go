package atdriver

import (
	"regexp"
	"strings"
	"sync"
)

// Pattern is a single scanf-style response matcher (§4.2.2). A pattern
// carries up to five opaque capture slots: the spec does not ascribe a
// type to them, so Pattern just returns the matched substrings in order
// and leaves interpretation to the caller.
type Pattern struct {
	Format      string
	StopOnMatch bool

	mu     sync.Mutex
	hits   int
	prefix string
	re     *regexp.Regexp // nil for a bare literal-prefix pattern with no captures
	width  int            // >0 for a %[N]s whole-message pattern
	whole  bool           // true when Format is a %[N]s form
}

var widthForm = regexp.MustCompile(`^%\[(\d*)\]s$`)

// NewPattern compiles format into a Pattern. format is either:
//   - "%[N]s" or "%[]s": matches any message, capturing the whole message
//     (truncated to N bytes when N>0).
//   - a literal prefix optionally followed by %s/%d placeholders, e.g.
//     "+WFJAP:1,'%s',%s".
func NewPattern(format string, stopOnMatch bool) (*Pattern, error) {
	p := &Pattern{Format: format, StopOnMatch: stopOnMatch}

	if m := widthForm.FindStringSubmatch(format); m != nil {
		p.whole = true
		if m[1] != "" {
			n := 0
			for _, c := range m[1] {
				n = n*10 + int(c-'0')
			}
			p.width = n
		}
		return p, nil
	}

	firstPct := strings.IndexByte(format, '%')
	if firstPct < 0 {
		p.prefix = format
		return p, nil
	}
	p.prefix = format[:firstPct]
	rest := format[firstPct:]

	var sb strings.Builder
	sb.WriteString("^")
	i := 0
	for i < len(rest) {
		if rest[i] == '%' && i+1 < len(rest) {
			switch rest[i+1] {
			case 's':
				sb.WriteString(`(\S+)`)
				i += 2
				continue
			case 'd':
				sb.WriteString(`(-?\d+)`)
				i += 2
				continue
			}
		}
		sb.WriteString(regexp.QuoteMeta(string(rest[i])))
		i++
	}
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, err
	}
	p.re = re
	return p, nil
}

// Match attempts to match msg against the pattern (§4.2.2 steps 1-3).
// Returns the ordered captures and whether the pattern matched. On
// match, the pattern's hit counter is incremented. An unmatched pattern
// never touches captures from a previous call.
func (p *Pattern) Match(msg string) (captures []string, matched bool) {
	if p.whole {
		s := msg
		if p.width > 0 && len(s) > p.width {
			s = s[:p.width]
		}
		p.mu.Lock()
		p.hits++
		p.mu.Unlock()
		return []string{s}, true
	}

	idx := strings.Index(msg, p.prefix)
	if idx < 0 {
		return nil, false
	}
	region := msg[idx+len(p.prefix):]

	if p.re == nil {
		p.mu.Lock()
		p.hits++
		p.mu.Unlock()
		return nil, true
	}

	m := p.re.FindStringSubmatch(region)
	if m == nil {
		return nil, false
	}
	p.mu.Lock()
	p.hits++
	p.mu.Unlock()
	return m[1:], true
}

// Hits reports how many times this pattern has matched, for diagnostics.
func (p *Pattern) Hits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits
}
