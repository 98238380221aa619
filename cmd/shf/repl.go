package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/peterh/liner"
	"golang.org/x/sys/unix"
)

// repl reads commands until exit or end of input. A terminal on stdin gets
// line editing and history, anything else is read line by line.
func (sh *shell) repl(in io.Reader, history string) error {
	if f, ok := in.(*os.File); ok && f == os.Stdin && isTerminal(f) {
		return sh.interactive(history)
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)

	for scanner.Scan() {
		err := sh.line(scanner.Text())
		if errors.Is(err, errQuit) {
			return nil
		}
	}

	err := scanner.Err()
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	return nil
}

// line runs one input line. Command errors are printed, not returned; only
// errQuit ends the loop.
func (sh *shell) line(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	err := sh.exec(fields)
	if err != nil && !errors.Is(err, errQuit) {
		sh.printf("error: %v\n", err)

		return nil
	}

	return err
}

func (sh *shell) interactive(history string) error {
	ln := liner.NewLiner()
	defer func() { _ = ln.Close() }()

	ln.SetCtrlCAborts(true)
	ln.SetCompleter(complete)

	if history != "" {
		if f, err := os.Open(history); err == nil { //nolint:gosec // user history file
			_, _ = ln.ReadHistory(f)
			_ = f.Close()
		}

		defer saveHistory(ln, history)
	}

	sh.printf("shf %s (type 'help' for commands)\n", sh.store.Path())

	for {
		input, err := ln.Prompt("shf> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				sh.printf("\n")

				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		if strings.TrimSpace(input) != "" {
			ln.AppendHistory(input)
		}

		if errors.Is(sh.line(input), errQuit) {
			return nil
		}
	}
}

func saveHistory(ln *liner.State, path string) {
	f, err := os.Create(path) //nolint:gosec // user history file
	if err != nil {
		return
	}

	_, _ = ln.WriteHistory(f)
	_ = f.Close()
}

// complete offers command names for the first word.
func complete(line string) []string {
	if strings.Contains(line, " ") {
		return nil
	}

	var out []string

	lower := strings.ToLower(line)

	for name := range commands {
		if strings.HasPrefix(name, lower) {
			out = append(out, name)
		}
	}

	for _, name := range []string{"help", "exit", "quit"} {
		if strings.HasPrefix(name, lower) {
			out = append(out, name)
		}
	}

	sort.Strings(out)

	return out
}

func isTerminal(f *os.File) bool {
	_, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)

	return err == nil
}
