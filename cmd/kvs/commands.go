package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/KevoDB/kvs/pkg/client"
	"github.com/KevoDB/kvs/pkg/engine"
)

const commandHelp = `  set <key> <value>       - Store a value under key
  get <key>               - Print the value stored under key
  rm <key>                - Remove key
  compact                 - Compact the store
  stats                   - Show store statistics
`

const notFoundMessage = "Key not found"

var (
	errUsage       = errors.New("usage error")
	errKeyNotFound = errors.New("key not found")
)

// backend is the store the commands run against
type backend interface {
	Get(key []byte) ([]byte, bool, error)
	Set(key, value []byte) error
	// Remove returns errKeyNotFound if key does not exist.
	Remove(key []byte) error
	Compact() error
	Stats() (map[string]interface{}, error)
	Close() error
}

type localBackend struct {
	eng *engine.Engine
}

func (b localBackend) Get(key []byte) ([]byte, bool, error) { return b.eng.Get(key) }
func (b localBackend) Set(key, value []byte) error           { return b.eng.Set(key, value) }
func (b localBackend) Compact() error                         { return b.eng.Compact() }
func (b localBackend) Close() error                           { return b.eng.Close() }

func (b localBackend) Remove(key []byte) error {
	err := b.eng.Remove(key)
	if errors.Is(err, engine.ErrKeyNotFound) {
		return errKeyNotFound
	}
	return err
}

func (b localBackend) Stats() (map[string]interface{}, error) {
	st := b.eng.GetStats()
	return map[string]interface{}{
		"live_keys":         st["live_keys"],
		"segments":          st["segments"],
		"disk_bytes":        st["disk_bytes"],
		"uncompacted_bytes": st["uncompacted_bytes"],
		"compactions":       st["compactions"],
		"state":             st["state"],
	}, nil
}

type remoteBackend struct {
	c *client.Client
}

func (b remoteBackend) Get(key []byte) ([]byte, bool, error) {
	return b.c.Get(context.Background(), key)
}

func (b remoteBackend) Set(key, value []byte) error {
	return b.c.Set(context.Background(), key, value)
}

func (b remoteBackend) Remove(key []byte) error {
	err := b.c.Remove(context.Background(), key)
	if errors.Is(err, client.ErrKeyNotFound) {
		return errKeyNotFound
	}
	return err
}

func (b remoteBackend) Compact() error {
	_, err := b.c.Compact(context.Background())
	return err
}

func (b remoteBackend) Stats() (map[string]interface{}, error) {
	st, err := b.c.GetStats(context.Background())
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"live_keys":         st.LiveKeys,
		"segments":          st.SegmentCount,
		"disk_bytes":        st.DiskBytes,
		"uncompacted_bytes": st.UncompactedBytes,
		"compactions":       st.Compactions,
		"state":             st.State,
	}, nil
}

func (b remoteBackend) Close() error { return b.c.Close() }

// execute runs one command. A missing key is reported on out; for rm it is
// also returned as errKeyNotFound.
func execute(b backend, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	cmd := strings.ToLower(args[0])
	switch cmd {
	case "set":
		if len(args) != 3 {
			return usage(out, "set <key> <value>")
		}
		return b.Set([]byte(args[1]), []byte(args[2]))

	case "get":
		if len(args) != 2 {
			return usage(out, "get <key>")
		}
		value, found, err := b.Get([]byte(args[1]))
		if err != nil {
			return err
		}
		if !found {
			fmt.Fprintln(out, notFoundMessage)
			return nil
		}
		fmt.Fprintln(out, string(value))
		return nil

	case "rm":
		if len(args) != 2 {
			return usage(out, "rm <key>")
		}
		err := b.Remove([]byte(args[1]))
		if errors.Is(err, errKeyNotFound) {
			fmt.Fprintln(out, notFoundMessage)
		}
		return err

	case "compact":
		if len(args) != 1 {
			return usage(out, "compact")
		}
		return b.Compact()

	case "stats":
		if len(args) != 1 {
			return usage(out, "stats")
		}
		st, err := b.Stats()
		if err != nil {
			return err
		}
		printStats(out, st)
		return nil

	default:
		fmt.Fprintf(out, "Unknown command %q\n", args[0])
		return errUsage
	}
}

// runCommand executes args and returns the process exit status. Failures
// other than a missing key or bad usage are printed to errOut.
func runCommand(b backend, args []string, out, errOut io.Writer) int {
	err := execute(b, args, out)
	if err != nil && !errors.Is(err, errKeyNotFound) && !errors.Is(err, errUsage) {
		fmt.Fprintf(errOut, "Error: %v\n", err)
	}
	return exitCode(err)
}

func usage(out io.Writer, syntax string) error {
	fmt.Fprintf(out, "Usage: %s\n", syntax)
	return errUsage
}

func printStats(out io.Writer, st map[string]interface{}) {
	keys := make([]string, 0, len(st))
	for k := range st {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "%-18s %v\n", k+":", st[k])
	}
}
