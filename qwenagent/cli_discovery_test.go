package qwenagent

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFakeCLI writes an executable shell script at dir/name that prints
// version and exits 0 when invoked with "--version", and exits 1 otherwise.
func writeFakeCLI(t *testing.T, dir, name string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake CLI script is POSIX shell only")
	}
	path := filepath.Join(dir, name)
	script := "#!/bin/sh\nif [ \"$1\" = \"--version\" ]; then echo \"qwen-code 1.2.3\"; exit 0; fi\nexit 1\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestCLIDiscoveryExplicitPathWins(t *testing.T) {
	dir := t.TempDir()
	path := writeFakeCLI(t, dir, "qwen-fake")

	d := &cliDiscovery{}
	opts := defaultOptions()
	opts.QwenExecutable = path

	desc, err := d.resolve(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, path, desc.Command)
	assert.Equal(t, "explicit", desc.Source)
}

func TestCLIDiscoveryExplicitPathFailsProbe(t *testing.T) {
	dir := t.TempDir()
	d := &cliDiscovery{}
	opts := defaultOptions()
	opts.QwenExecutable = filepath.Join(dir, "does-not-exist")

	_, err := d.resolve(context.Background(), opts)
	var notFound *CLINotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestCLIDiscoveryEnvVarCandidate(t *testing.T) {
	dir := t.TempDir()
	path := writeFakeCLI(t, dir, "qwen-env")
	t.Setenv("QWEN_CLI_PATH", path)

	d := &cliDiscovery{}
	opts := defaultOptions()

	desc, err := d.resolve(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, path, desc.Command)
	assert.Equal(t, "env", desc.Source)
}

func TestCLIDiscoveryCachesResolutionAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	path := writeFakeCLI(t, dir, "qwen-cache")
	t.Setenv("QWEN_CLI_PATH", path)

	d := &cliDiscovery{}
	opts := defaultOptions()

	first, err := d.resolve(context.Background(), opts)
	require.NoError(t, err)

	// Changing the env after the first resolution must not affect the
	// cached result.
	t.Setenv("QWEN_CLI_PATH", "/nonexistent/path")
	second, err := d.resolve(context.Background(), opts)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestCLIDiscoveryNoCandidatesFound(t *testing.T) {
	t.Setenv("QWEN_CLI_PATH", "")
	t.Setenv("PATH", t.TempDir()) // empty PATH, no "qwen" resolvable
	d := &cliDiscovery{}
	opts := defaultOptions()

	_, err := d.resolve(context.Background(), opts)
	var notFound *CLINotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestCLIDiscoverySkipsRunnerFallbackWithoutPackageJSON(t *testing.T) {
	t.Setenv("QWEN_CLI_PATH", "")
	t.Setenv("PATH", t.TempDir())
	d := &cliDiscovery{}
	opts := defaultOptions()
	opts.CWD = t.TempDir() // no package.json here

	_, err := d.resolve(context.Background(), opts)
	var notFound *CLINotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestCLIDiscoveryTriesRunnerFallbackWithPackageJSON(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake CLI script is POSIX shell only")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{}`), 0o644))

	binDir := t.TempDir()
	fakeNpx := filepath.Join(binDir, "npx")
	script := "#!/bin/sh\nfor a; do last=\"$a\"; done\nif [ \"$last\" = \"--version\" ]; then echo \"qwen-code 1.2.3\"; exit 0; fi\nexit 1\n"
	require.NoError(t, os.WriteFile(fakeNpx, []byte(script), 0o755))
	t.Setenv("QWEN_CLI_PATH", "")
	t.Setenv("PATH", binDir)

	d := &cliDiscovery{}
	opts := defaultOptions()
	opts.CWD = dir

	desc, err := d.resolve(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "npx", desc.Command)
	assert.Equal(t, "runner", desc.Source)
}

func TestHasPackageJSON(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, hasPackageJSON(dir))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{}`), 0o644))
	assert.True(t, hasPackageJSON(dir))
}

func TestProbeCLISucceedsAndFails(t *testing.T) {
	dir := t.TempDir()
	path := writeFakeCLI(t, dir, "qwen-probe")

	ok := probeCLI(context.Background(), LaunchDescriptor{Command: path})
	assert.True(t, ok)

	bad := probeCLI(context.Background(), LaunchDescriptor{Command: filepath.Join(dir, "nope")})
	assert.False(t, bad)
}

func TestVersionOfReturnsTrimmedOutput(t *testing.T) {
	dir := t.TempDir()
	path := writeFakeCLI(t, dir, "qwen-version")

	v, err := versionOf(context.Background(), &LaunchDescriptor{Command: path})
	require.NoError(t, err)
	assert.Equal(t, "qwen-code 1.2.3", v)
}

func TestIsQwenCLIAvailableAndGetVersion(t *testing.T) {
	dir := t.TempDir()
	path := writeFakeCLI(t, dir, "qwen-avail")

	available := IsQwenCLIAvailable(context.Background(), WithQwenExecutable(path))
	assert.True(t, available)

	v, err := GetQwenCLIVersion(context.Background(), WithQwenExecutable(path))
	require.NoError(t, err)
	assert.Equal(t, "qwen-code 1.2.3", v)
}

func TestStandardInstallLocationsIncludesHomeVariants(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	locs := standardInstallLocations()
	assert.Contains(t, locs, filepath.Join(home, ".qwen", "bin", "qwen"))
}

func TestPackageManagerRunnersOrder(t *testing.T) {
	runners := packageManagerRunners()
	require.Len(t, runners, 3)
	assert.Equal(t, "npx", runners[0].Command)
}

func TestProbeCLIRespectsTimeout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slow-cli")
	script := "#!/bin/sh\nsleep 2\necho slow\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	ok := probeCLI(ctx, LaunchDescriptor{Command: path})
	assert.False(t, ok)
}
