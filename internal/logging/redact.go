package logging

import (
	"io"
	"regexp"
	"sync/atomic"
)

var debug, debugMode atomic.Bool

// SetDebug turns secret redaction off (true) or on (false) from the configuration.
func SetDebug(on bool) {
	debug.Store(on)
}

// SetDebugMode follows settings.debug_mode, which can change while the process runs.
func SetDebugMode(on bool) {
	debugMode.Store(on)
}

// Debug reports whether either flag disables redaction.
func Debug() bool {
	return debug.Load() || debugMode.Load()
}

type rule struct {
	re   *regexp.Regexp
	repl string
}

var rules = []rule{
	{regexp.MustCompile(`(?i)(x-plex-token|x-emby-token|api_key|apikey|token|password|pass)(["']?\s*[=:]\s*["']?)[^\s"'&,;}]+`), `$1$2***`},
	{regexp.MustCompile(`(?i)\b(bearer|bot)\s+[A-Za-z0-9._\-]{8,}`), `$1 ***`},
	{regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@([A-Za-z0-9.\-]+\.[A-Za-z]{2,})\b`), `***@$1`},
}

// Redact masks tokens, bearer values and e-mail local parts in s.
func Redact(s string) string {
	for _, r := range rules {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}

// Redactor is a writer that applies Redact to every record unless debug mode is on.
type Redactor struct {
	out io.Writer
}

func NewRedactor(out io.Writer) *Redactor {
	return &Redactor{out: out}
}

func (r *Redactor) Write(p []byte) (int, error) {
	if Debug() {
		return r.out.Write(p)
	}
	if _, err := r.out.Write([]byte(Redact(string(p)))); err != nil {
		return 0, err
	}
	// callers compare against the input length
	return len(p), nil
}
