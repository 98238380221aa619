package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// cli runs the binary's entry point against a temporary directory.
type cli struct {
	t   *testing.T
	dir string
	env map[string]string
}

func newCLI(t *testing.T) *cli {
	t.Helper()

	return &cli{
		t:   t,
		dir: t.TempDir(),
		env: map[string]string{"XDG_CONFIG_HOME": t.TempDir(), "HOME": t.TempDir()},
	}
}

func (c *cli) run(stdin string, args ...string) (string, string, int) {
	c.t.Helper()

	var out, errOut bytes.Buffer

	argv := append([]string{"shf", "--dir", c.dir}, args...)
	code := run(strings.NewReader(stdin), &out, &errOut, argv, c.env)

	return out.String(), errOut.String(), code
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()

	out, errOut, code := c.run("", args...)
	require.Equal(c.t, 0, code, "stderr: %s", errOut)

	return out
}

func Test_Run_Stores_And_Reads_Record_When_Commands_Run_One_Shot(t *testing.T) {
	t.Parallel()

	c := newCLI(t)

	uid := strings.TrimSpace(c.mustRun("inst", "put", "alpha", "one"))
	require.Len(t, uid, 8)

	require.Equal(t, "\"one\"\n", c.mustRun("inst", "get", "alpha"))
	require.Equal(t, "\"alpha\" = \"one\"\n", c.mustRun("inst", "getuid", uid))

	require.Equal(t, "updated\n", c.mustRun("inst", "upd", "alpha", "two"))
	require.Equal(t, "\"two\"\n", c.mustRun("inst", "get", "alpha"))

	require.Equal(t, "deleted\n", c.mustRun("inst", "del", "alpha"))
	require.Equal(t, "(not found)\n", c.mustRun("inst", "get", "alpha"))
	require.Equal(t, "(not found)\n", c.mustRun("inst", "deluid", uid))

	require.NotEqual(t, "0\n", c.mustRun("inst", "garbage"))
	require.Equal(t, "compacted\n", c.mustRun("inst", "compact"))
	require.Equal(t, "0\n", c.mustRun("inst", "garbage"))
}

func Test_Run_Fails_When_Update_Changes_Length(t *testing.T) {
	t.Parallel()

	c := newCLI(t)
	c.mustRun("inst", "put", "k", "abc")

	_, errOut, code := c.run("", "inst", "upd", "k", "abcd")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "update rejected")
}

func Test_Run_Fails_When_Instance_Missing_And_Existing_Required(t *testing.T) {
	t.Parallel()

	c := newCLI(t)

	_, errOut, code := c.run("", "--existing", "ghost", "stats")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "does not exist")

	require.NoDirExists(t, filepath.Join(c.dir, "ghost.shf"))
}

func Test_Run_Pads_Keys_When_Instance_Has_Fixed_Lengths(t *testing.T) {
	t.Parallel()

	c := newCLI(t)

	c.mustRun("-k", "8", "-l", "4", "fixed", "put", "ab", "0x01020304")

	// Reattaching without lengths adopts the stored ones.
	require.Equal(t, "0x01020304\n", c.mustRun("fixed", "get", "ab"))

	_, errOut, code := c.run("", "-k", "4", "-l", "4", "fixed", "get", "ab")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "incompatible")
}

func Test_Run_Executes_Script_When_Stdin_Is_Not_A_Terminal(t *testing.T) {
	t.Parallel()

	c := newCLI(t)

	script := `
seq 50
get key-7
bogus
stats
slack 3
verbosity debug
exit
get key-8
`

	out, _, code := c.run(script, "inst")
	require.Equal(t, 0, code)

	require.Contains(t, out, "inserted key-0 .. key-49")
	require.Contains(t, out, "\"val-7\"")
	require.Contains(t, out, "error: unknown command \"bogus\"")
	require.Contains(t, out, "records:       50")
	require.Contains(t, out, "growth slack 3")
	require.Contains(t, out, "verbosity DEBUG")
	require.NotContains(t, out, "\"val-8\"", "commands after exit must not run")
}

func Test_Run_Reports_Usage_When_Arguments_Missing(t *testing.T) {
	t.Parallel()

	c := newCLI(t)

	_, errOut, code := c.run("", "inst", "put", "only-key")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "usage: put <key> <value>")

	var out, stderr bytes.Buffer

	code = run(strings.NewReader(""), &out, &stderr, []string{"shf"}, c.env)
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "missing instance name")

	code = run(strings.NewReader(""), &out, &stderr, []string{"shf", "--help"}, c.env)
	require.Equal(t, 0, code)
	require.Contains(t, out.String(), "--max-lock-spins")
}

func Test_Run_Prints_Config_When_Flags_Override_Files(t *testing.T) {
	t.Parallel()

	c := newCLI(t)
	explicit := filepath.Join(t.TempDir(), "cfg.json")
	writeFile(t, explicit, `{"growth_slack": 2, "verbosity": "info"}`)

	out := c.mustRun("--config", explicit, "--slack", "5", "--print-config")

	require.Contains(t, out, `"dir": "`+c.dir+`"`)
	require.Contains(t, out, `"growth_slack": 5`)
	require.Contains(t, out, `"verbosity": "info"`)
	require.Contains(t, out, "explicit_config="+explicit)
}

func Test_Run_Inserts_Records_When_Bulk_And_Bench_Run(t *testing.T) {
	t.Parallel()

	c := newCLI(t)

	require.Contains(t, c.mustRun("inst", "bulk", "200", "32"), "inserted 200 random records")
	require.Contains(t, c.mustRun("inst", "bench", "500"), "0 missing")
	require.Contains(t, c.mustRun("inst", "stats"), "records:       700")
	require.Contains(t, c.mustRun("inst", "hash", "abc"), "win=")
}
