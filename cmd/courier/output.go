package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"github.com/always-cache/courier"
	"github.com/always-cache/courier/auth"
)

var (
	colorSuccess  = color.New(color.FgGreen).SprintFunc()
	colorRedirect = color.New(color.FgCyan).SprintFunc()
	colorError    = color.New(color.FgRed).SprintFunc()
	colorFaint    = color.New(color.Faint).SprintFunc()
)

func init() {
	color.NoColor = !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd())
}

// statusLine describes the final status of m on one line.
func statusLine(m *courier.Message) string {
	code := m.StatusCode()
	status := fmt.Sprintf("%d %s", code, m.Reason())
	switch {
	case code < 100 || code >= 400:
		status = colorError(status)
	case code >= 300:
		status = colorRedirect(status)
	default:
		status = colorSuccess(status)
	}
	line := fmt.Sprintf("%s %s %s", m.Method(), m.URL(), status)
	if m.FromCache() {
		line += " " + colorFaint("(cached)")
	}
	if err := m.Err(); err != nil {
		line += " " + colorFaint(err.Error())
	}
	return line
}

func printStatus(w io.Writer, m *courier.Message) {
	fmt.Fprintln(w, statusLine(m))
}

func passwordPrompt(a *auth.Auth, user string, retrying bool) string {
	prompt := fmt.Sprintf("Password for %s at %s (%s): ", user, a.Host(), a.Realm())
	if a.Target() == auth.Proxy {
		prompt = "Proxy " + strings.ToLower(prompt[:1]) + prompt[1:]
	}
	if retrying {
		prompt = "Wrong password. " + prompt
	}
	return prompt
}

// readPassword reads a line from in without echo when it is a terminal.
func readPassword(in *os.File, out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	defer fmt.Fprintln(out)
	if term.IsTerminal(int(in.Fd())) {
		b, err := term.ReadPassword(int(in.Fd()))
		return string(b), err
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
