package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// readPassword and isTerminal are test seams for the terminal.
var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

// prompter reads answers from the terminal without echo, or line by line
// from the command's input when it is not a terminal.
type prompter struct {
	in       *bufio.Reader
	out      io.Writer
	fd       int
	terminal bool
}

func newPrompter(cmd *cobra.Command) *prompter {
	p := &prompter{
		in:  bufio.NewReader(cmd.InOrStdin()),
		out: cmd.ErrOrStderr(),
		fd:  int(os.Stdin.Fd()),
	}
	if f, ok := cmd.InOrStdin().(*os.File); ok && f == os.Stdin {
		p.terminal = isTerminal(p.fd)
	}
	return p
}

// text reads one visible line.
func (p *prompter) text(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt+": ")
	line, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("reading %s: %w", strings.ToLower(prompt), err)
	}
	return strings.TrimSpace(line), nil
}

// secret reads one line without echo when attached to a terminal.
func (p *prompter) secret(prompt string) (string, error) {
	if !p.terminal {
		return p.text(prompt)
	}
	fmt.Fprint(p.out, prompt+": ")
	b, err := readPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", strings.ToLower(prompt), err)
	}
	return string(b), nil
}

// confirmedSecret asks twice and requires both answers to match.
func (p *prompter) confirmedSecret(prompt string) (string, error) {
	first, err := p.secret(prompt)
	if err != nil {
		return "", err
	}
	second, err := p.secret("Confirm " + strings.ToLower(prompt))
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("entries do not match")
	}
	return first, nil
}
