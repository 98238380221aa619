package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/calvinalkan/shf/pkg/shf"
)

var (
	errQuit  = errors.New("quit")
	errUsage = errors.New("usage")
)

// shell executes commands against one attached store. The REPL and one-shot
// mode share it.
type shell struct {
	store  *shf.Store
	out    io.Writer
	keyLen int
	valLen int
	buf    []byte
}

func newShell(store *shf.Store, out io.Writer) *shell {
	keyLen, valLen := store.FixedLengths()

	return &shell{store: store, out: out, keyLen: keyLen, valLen: valLen}
}

type command struct {
	usage string
	short string
	min   int
	run   func(sh *shell, args []string) error
}

var commands = map[string]command{
	"put":       {"put <key> <value>", "Insert a record, print its uid", 2, (*shell).cmdPut},
	"get":       {"get <key>", "Print the value stored under key", 1, (*shell).cmdGet},
	"del":       {"del <key>", "Delete the record stored under key", 1, (*shell).cmdDel},
	"upd":       {"upd <key> <value>", "Overwrite a value of the same length", 2, (*shell).cmdUpd},
	"getuid":    {"getuid <uid>", "Print key and value behind a uid", 1, (*shell).cmdGetUID},
	"deluid":    {"deluid <uid>", "Delete the record behind a uid", 1, (*shell).cmdDelUID},
	"upduid":    {"upduid <uid> <value>", "Overwrite the value behind a uid", 2, (*shell).cmdUpdUID},
	"hash":      {"hash <key>", "Show the address a key hashes to", 1, (*shell).cmdHash},
	"bulk":      {"bulk <count> [size]", "Insert N random records", 1, (*shell).cmdBulk},
	"seq":       {"seq <count> [start]", "Insert N sequential records", 1, (*shell).cmdSeq},
	"bench":     {"bench <count>", "Time N puts followed by N gets", 1, (*shell).cmdBench},
	"stats":     {"stats", "Show counters and usage", 0, (*shell).cmdStats},
	"garbage":   {"garbage", "Show bytes held by deleted records", 0, (*shell).cmdGarbage},
	"compact":   {"compact", "Compact every segment holding garbage", 0, (*shell).cmdCompact},
	"verbosity": {"verbosity <level>", "Set log level: debug, info, warn, error", 1, (*shell).cmdVerbosity},
	"slack":     {"slack <n>", "Set the segment growth multiplier", 1, (*shell).cmdSlack},
}

// commandOrder is the listing order of help, which is handled by exec.
var commandOrder = []string{
	"put", "get", "del", "upd", "getuid", "deluid", "upduid", "hash",
	"bulk", "seq", "bench", "stats", "garbage", "compact", "verbosity", "slack",
}

var aliases = map[string]string{
	"delete": "del",
	"update": "upd",
	"quit":   "exit",
	"q":      "exit",
	"?":      "help",
}

func (sh *shell) exec(args []string) error {
	name := strings.ToLower(args[0])
	if alias, ok := aliases[name]; ok {
		name = alias
	}

	switch name {
	case "help":
		sh.help()

		return nil
	case "exit":
		return errQuit
	}

	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q (type 'help' for commands)", args[0])
	}

	if len(args)-1 < cmd.min {
		return fmt.Errorf("%w: %s", errUsage, cmd.usage)
	}

	return cmd.run(sh, args[1:])
}

func (sh *shell) printf(format string, a ...any) {
	_, _ = fmt.Fprintf(sh.out, format, a...)
}

// parseBytes decodes "0x"-prefixed hex, otherwise takes the text as is. In
// fixed-length mode the result is zero-padded or truncated to n.
func parseBytes(s string, n int) ([]byte, error) {
	raw := []byte(s)

	if h, ok := strings.CutPrefix(s, "0x"); ok {
		decoded, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("hex %q: %w", s, err)
		}

		raw = decoded
	}

	if n == 0 {
		return raw, nil
	}

	fixed := make([]byte, n)
	copy(fixed, raw)

	return fixed, nil
}

// format shows printable bytes as a quoted string, anything else as hex.
func format(b []byte) string {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}

	for _, c := range b[:end] {
		if c < 32 || c > 126 {
			return "0x" + hex.EncodeToString(b)
		}
	}

	return strconv.Quote(string(b[:end]))
}

func (sh *shell) key(s string) ([]byte, error)   { return parseBytes(s, sh.keyLen) }
func (sh *shell) value(s string) ([]byte, error) { return parseBytes(s, sh.valLen) }

func (sh *shell) cmdPut(args []string) error {
	key, err := sh.key(args[0])
	if err != nil {
		return err
	}

	val, err := sh.value(args[1])
	if err != nil {
		return err
	}

	uid, err := sh.store.Put(key, val)
	if err != nil {
		return err
	}

	sh.printf("%s\n", uid)

	return nil
}

func (sh *shell) cmdGet(args []string) error {
	key, err := sh.key(args[0])
	if err != nil {
		return err
	}

	val, found, err := sh.store.Get(key, sh.buf)
	if err != nil {
		return err
	}

	if !found {
		sh.printf("(not found)\n")

		return nil
	}

	sh.buf = val
	sh.printf("%s\n", format(val))

	return nil
}

func (sh *shell) cmdDel(args []string) error {
	key, err := sh.key(args[0])
	if err != nil {
		return err
	}

	found, err := sh.store.Delete(key)

	return sh.report(found, err, "deleted")
}

func (sh *shell) cmdUpd(args []string) error {
	key, err := sh.key(args[0])
	if err != nil {
		return err
	}

	val, err := sh.value(args[1])
	if err != nil {
		return err
	}

	found, err := sh.store.Update(key, overwrite(val))

	return sh.report(found, err, "updated")
}

// overwrite replaces a value in place; the length cannot change.
func overwrite(val []byte) shf.UpdateFunc {
	return func(cur []byte) error {
		if len(cur) != len(val) {
			return fmt.Errorf("stored value has %d bytes, new value %d", len(cur), len(val))
		}

		copy(cur, val)

		return nil
	}
}

func (sh *shell) report(found bool, err error, verb string) error {
	if err != nil {
		return err
	}

	if !found {
		sh.printf("(not found)\n")

		return nil
	}

	sh.printf("%s\n", verb)

	return nil
}

func (sh *shell) cmdGetUID(args []string) error {
	uid, err := shf.ParseUID(args[0])
	if err != nil {
		return err
	}

	key, val, found, err := sh.store.GetUID(uid, sh.buf)
	if err != nil {
		return err
	}

	if !found {
		sh.printf("(not found)\n")

		return nil
	}

	sh.buf = val
	sh.printf("%s = %s\n", format(key), format(val))

	return nil
}

func (sh *shell) cmdDelUID(args []string) error {
	uid, err := shf.ParseUID(args[0])
	if err != nil {
		return err
	}

	found, err := sh.store.DeleteUID(uid)

	return sh.report(found, err, "deleted")
}

func (sh *shell) cmdUpdUID(args []string) error {
	uid, err := shf.ParseUID(args[0])
	if err != nil {
		return err
	}

	val, err := sh.value(args[1])
	if err != nil {
		return err
	}

	found, err := sh.store.UpdateUID(uid, overwrite(val))

	return sh.report(found, err, "updated")
}

func (sh *shell) cmdHash(args []string) error {
	key, err := sh.key(args[0])
	if err != nil {
		return err
	}

	h := shf.MakeHash(key)
	sh.printf("hash=%s win=%d bucket=%d row=%d fp=%d\n", h, h.Win(), h.Bucket(), h.Row(), h.Fingerprint())

	return nil
}

func parseCount(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("count %q must be a non-negative integer", s)
	}

	return n, nil
}

func (sh *shell) cmdBulk(args []string) error {
	count, err := parseCount(args[0])
	if err != nil {
		return err
	}

	size := 16
	if len(args) > 1 {
		size, err = parseCount(args[1])
		if err != nil {
			return err
		}
	}

	keyLen, valLen := 16, size
	if sh.keyLen > 0 {
		keyLen, valLen = sh.keyLen, sh.valLen
	}

	key := make([]byte, keyLen)
	val := make([]byte, valLen)
	start := time.Now()

	for i := range count {
		_, _ = rand.Read(key)
		_, _ = rand.Read(val)

		_, err = sh.store.Put(key, val)
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}

	sh.printf("inserted %d random records in %v\n", count, time.Since(start).Round(time.Millisecond))

	return nil
}

// seqKey returns the i-th sequential key; seqValue its value.
func (sh *shell) seqKey(i int) []byte {
	b, _ := parseBytes("key-"+strconv.Itoa(i), sh.keyLen)

	return b
}

func (sh *shell) seqValue(i int) []byte {
	b, _ := parseBytes("val-"+strconv.Itoa(i), sh.valLen)

	return b
}

func (sh *shell) cmdSeq(args []string) error {
	count, err := parseCount(args[0])
	if err != nil {
		return err
	}

	first := 0
	if len(args) > 1 {
		first, err = parseCount(args[1])
		if err != nil {
			return err
		}
	}

	for i := first; i < first+count; i++ {
		_, err = sh.store.Put(sh.seqKey(i), sh.seqValue(i))
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}

	sh.printf("inserted key-%d .. key-%d\n", first, first+count-1)

	return nil
}

func (sh *shell) cmdBench(args []string) error {
	count, err := parseCount(args[0])
	if err != nil {
		return err
	}

	if count == 0 {
		return fmt.Errorf("%w: bench <count> with count > 0", errUsage)
	}

	start := time.Now()

	for i := range count {
		_, err = sh.store.Put(sh.seqKey(i), sh.seqValue(i))
		if err != nil {
			return fmt.Errorf("put %d: %w", i, err)
		}
	}

	putDur := time.Since(start)
	start = time.Now()
	missing := 0

	for i := range count {
		var found bool

		sh.buf, found, err = sh.store.Get(sh.seqKey(i), sh.buf)
		if err != nil {
			return fmt.Errorf("get %d: %w", i, err)
		}

		if !found {
			missing++
		}
	}

	getDur := time.Since(start)

	sh.printf("put: %d in %v (%.0f ops/s)\n", count, putDur.Round(time.Microsecond), float64(count)/putDur.Seconds())
	sh.printf("get: %d in %v (%.0f ops/s), %d missing\n", count, getDur.Round(time.Microsecond),
		float64(count)/getDur.Seconds(), missing)

	return nil
}

func (sh *shell) cmdStats([]string) error {
	st, err := sh.store.Stats()
	if err != nil {
		return err
	}

	sh.printf("path:          %s\n", sh.store.Path())
	sh.printf("windows:       %d\n", st.Windows)
	sh.printf("segments:      %d\n", st.Segments)
	sh.printf("records:       %d\n", st.Refs)
	sh.printf("live bytes:    %d\n", st.Live)
	sh.printf("garbage bytes: %d\n", st.Garbage)
	sh.printf("mapped bytes:  %d\n", st.Mapped)
	sh.printf("maps/remaps:   %d/%d\n", st.Maps, st.Remaps)
	sh.printf("grows:         %d\n", st.Grows)
	sh.printf("splits:        %d\n", st.Splits)
	sh.printf("shrinks:       %d\n", st.Shrinks)
	sh.printf("misses:        fp=%d bucket=%d key=%d\n", st.FpMisses, st.BucketMisses, st.KeyMisses)

	return nil
}

func (sh *shell) cmdGarbage([]string) error {
	n, err := sh.store.Garbage()
	if err != nil {
		return err
	}

	sh.printf("%d\n", n)

	return nil
}

func (sh *shell) cmdCompact([]string) error {
	err := sh.store.Compact()
	if err != nil {
		return err
	}

	sh.printf("compacted\n")

	return nil
}

func (sh *shell) cmdVerbosity(args []string) error {
	level, err := parseLevel(args[0])
	if err != nil {
		return err
	}

	sh.store.SetVerbosity(level)
	sh.printf("verbosity %s\n", level)

	return nil
}

func (sh *shell) cmdSlack(args []string) error {
	n, err := parseCount(args[0])
	if err != nil {
		return err
	}

	sh.store.SetGrowthSlack(n)
	sh.printf("growth slack %d\n", max(n, 1))

	return nil
}

func (sh *shell) help() {
	sh.printf("Commands:\n")

	for _, name := range commandOrder {
		cmd := commands[name]
		sh.printf("  %-22s %s\n", cmd.usage, cmd.short)
	}

	sh.printf("  %-22s %s\n", "help", "Show this help")
	sh.printf("  %-22s %s\n", "exit / quit / q", "Leave the shell")

	sh.printf("\nKeys and values: text, or hex with a 0x prefix.\n")

	if sh.keyLen > 0 {
		sh.printf("Fixed lengths: keys %d bytes, values %d bytes (zero-padded or truncated).\n", sh.keyLen, sh.valLen)
	}
}
