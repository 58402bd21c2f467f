package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".stats"),
	readline.PcItem(".exit"),
	readline.PcItem("set"),
	readline.PcItem("get"),
	readline.PcItem("rm"),
	readline.PcItem("compact"),
	readline.PcItem("stats"),
)

const helpText = `
kvs - A crash-safe key-value store.

Commands:
  .help                   - Show this help message
  .stats                  - Show store statistics
  .exit                   - Exit the program

` + commandHelp

// runInteractive starts the interactive shell
func runInteractive(b backend, config Config) {
	fmt.Println("kvs interactive shell")
	fmt.Println("Enter .help for usage hints.")

	prompt := fmt.Sprintf("kvs@%s> ", config.ListenAddr)
	if config.DBPath != "" {
		prompt = fmt.Sprintf("kvs:%s> ", config.DBPath)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".kvs_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if len(line) == 0 {
					return
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Println("Goodbye!")
			}
			return
		}

		if !handleLine(b, line, rl.Stdout(), rl.Stderr()) {
			fmt.Println("Goodbye!")
			return
		}
	}
}

// handleLine runs one shell line and reports whether the shell should keep
// reading.
func handleLine(b backend, line string, out, errOut io.Writer) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}

	switch strings.ToLower(parts[0]) {
	case ".help":
		fmt.Fprint(out, helpText)
	case ".exit":
		return false
	case ".stats":
		runCommand(b, []string{"stats"}, out, errOut)
	default:
		if strings.HasPrefix(parts[0], ".") {
			fmt.Fprintf(out, "Unknown command %q, enter .help for usage hints\n", parts[0])
			return true
		}
		runCommand(b, parts, out, errOut)
	}
	return true
}
