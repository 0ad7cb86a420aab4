// Package cli holds the line-oriented prompts used by the setup wizard.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"
)

// Prompter asks questions on Out and reads answers from In, one per line.
// End of input behaves like an empty answer, so every prompt falls back to
// its default.
type Prompter struct {
	In  io.Reader
	Out io.Writer

	lines *bufio.Scanner
}

// Stdio returns a Prompter bound to the process terminal.
func Stdio() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) next() string {
	if p.lines == nil {
		p.lines = bufio.NewScanner(p.In)
	}
	if !p.lines.Scan() {
		return ""
	}
	return strings.TrimSpace(p.lines.Text())
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

// Section prints a heading between groups of questions.
func (p *Prompter) Section(title string) {
	p.printf("\n%s\n", title)
}

// Ask reads a free-form answer, returning def on an empty line.
func (p *Prompter) Ask(question, def string) string {
	if def == "" {
		p.printf("%s: ", question)
	} else {
		p.printf("%s [%s]: ", question, def)
	}
	if ans := p.next(); ans != "" {
		return ans
	}
	return def
}

// AskSecret reads an answer without echo when In is a terminal.
func (p *Prompter) AskSecret(question string) string {
	p.printf("%s: ", question)
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.printf("\n")
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.next()
}

// AskAddr reads a listen address such as ":9000" or "0.0.0.0:9000",
// asking again until the answer parses.
func (p *Prompter) AskAddr(question, def string) string {
	for {
		ans := p.Ask(question, def)
		if _, port, err := net.SplitHostPort(ans); err == nil {
			if n, err := strconv.Atoi(port); err == nil && n >= 0 && n <= 65535 {
				return ans
			}
		}
		p.printf("  Expected host:port, for example :9000\n")
	}
}

// AskPort reads a TCP port number.
func (p *Prompter) AskPort(question string, def int) int {
	for {
		n, err := strconv.Atoi(p.Ask(question, strconv.Itoa(def)))
		if err == nil && n > 0 && n <= 65535 {
			return n
		}
		p.printf("  Enter a port between 1 and 65535.\n")
	}
}

// AskDuration reads a Go duration such as "720h" or "5s".
func (p *Prompter) AskDuration(question string, def time.Duration) time.Duration {
	for {
		d, err := time.ParseDuration(p.Ask(question, def.String()))
		if err == nil && d >= 0 {
			return d
		}
		p.printf("  Enter a duration like 30s, 5m or 720h.\n")
	}
}

// AskList reads a comma separated list. Blank items are dropped.
func (p *Prompter) AskList(question string, def []string) []string {
	ans := p.Ask(question, strings.Join(def, ","))
	var out []string
	for _, item := range strings.Split(ans, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Choose lists options and returns the one picked by number.
func (p *Prompter) Choose(question string, options []string, def int) string {
	p.printf("%s\n", question)
	for i, opt := range options {
		mark := " "
		if i == def {
			mark = "*"
		}
		p.printf("  %s %d) %s\n", mark, i+1, opt)
	}
	for {
		n, err := strconv.Atoi(p.Ask("  Choice", strconv.Itoa(def+1)))
		if err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		p.printf("  Pick 1-%d.\n", len(options))
	}
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, def bool) bool {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	ans := strings.ToLower(p.Ask(question+" ["+hint+"]", ""))
	switch {
	case ans == "":
		return def
	case strings.HasPrefix(ans, "y"):
		return true
	default:
		return false
	}
}
