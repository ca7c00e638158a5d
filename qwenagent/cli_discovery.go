package qwenagent

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// LaunchDescriptor describes how the qwen CLI binary was resolved and how
// to invoke it.
type LaunchDescriptor struct {
	// Command is the executable path or name to run.
	Command string
	// Args are any extra arguments the resolution step decided to prepend
	// (e.g. "npx -y qwen-code" resolves to Command: "npx", Args: ["-y", "qwen-code"]).
	Args []string
	// Source names which resolution step produced this descriptor, for
	// diagnostics ("explicit", "env", "path", "standard-location", "runner").
	Source string
}

// cliDiscovery caches the resolved Launch Descriptor so repeated Query /
// Run calls in a process don't re-walk the filesystem every time.
type cliDiscovery struct {
	mu       sync.Mutex
	resolved *LaunchDescriptor
}

var defaultCLIDiscovery = &cliDiscovery{}

// standardInstallLocations lists the well-known locations qwen-code's own
// installer and common package managers place the CLI binary.
func standardInstallLocations() []string {
	home, _ := os.UserHomeDir()
	locs := []string{
		"/usr/local/bin/qwen",
		"/opt/homebrew/bin/qwen",
	}
	if home != "" {
		locs = append(locs,
			filepath.Join(home, ".qwen", "bin", "qwen"),
			filepath.Join(home, ".local", "bin", "qwen"),
			filepath.Join(home, ".npm-global", "bin", "qwen"),
		)
	}
	if runtime.GOOS == "windows" {
		for i, l := range locs {
			locs[i] = l + ".cmd"
		}
	}
	return locs
}

// packageManagerRunners lists the package-manager runner fallbacks tried,
// in order, when no installed binary can be found. Each entry invokes the
// qwen-code package without requiring a global install.
func packageManagerRunners() []LaunchDescriptor {
	return []LaunchDescriptor{
		{Command: "npx", Args: []string{"-y", "qwen-code"}, Source: "runner"},
		{Command: "pnpm", Args: []string{"dlx", "qwen-code"}, Source: "runner"},
		{Command: "bunx", Args: []string{"qwen-code"}, Source: "runner"},
	}
}

// hasPackageJSON reports whether a package.json manifest exists in dir (or
// the process's current working directory, if dir is empty). The
// package-manager runner fallback (npx/pnpm dlx/bunx) is only worth trying
// in a project that actually has one.
func hasPackageJSON(dir string) bool {
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return false
		}
	}
	_, err := os.Stat(filepath.Join(dir, "package.json"))
	return err == nil
}

// resolve runs the Launch Descriptor's resolution order:
//
//  1. opts.QwenExecutable, if set explicitly by the caller.
//  2. QWEN_CLI_PATH environment variable.
//  3. "qwen" resolved against PATH.
//  4. Standard install locations (~/.qwen/bin, ~/.local/bin, ...).
//  5. A package-manager runner (npx/pnpm dlx/bunx), tried only when a
//     package.json manifest exists in the working directory, then probed
//     for availability.
//
// Each step that names a candidate path or command is validated with a
// bounded-timeout version probe before being accepted; a candidate that
// fails to respond is skipped rather than returned. If every step is
// exhausted, CLINotFoundError is returned.
func (d *cliDiscovery) resolve(ctx context.Context, opts *Options) (*LaunchDescriptor, error) {
	// An explicit per-call override always bypasses the cache: it reflects
	// this call's intent, not a fact about the host that's safe to reuse
	// for a future call with different options.
	if opts.QwenExecutable != "" {
		explicit := LaunchDescriptor{Command: opts.QwenExecutable, Source: "explicit"}
		if probeCLI(ctx, explicit) {
			return &explicit, nil
		}
		return nil, &CLINotFoundError{ExecutablePath: opts.QwenExecutable}
	}

	d.mu.Lock()
	cached := d.resolved
	d.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	var candidates []LaunchDescriptor

	if env := os.Getenv("QWEN_CLI_PATH"); env != "" {
		candidates = append(candidates, LaunchDescriptor{Command: env, Source: "env"})
	}
	if path, err := exec.LookPath("qwen"); err == nil {
		candidates = append(candidates, LaunchDescriptor{Command: path, Source: "path"})
	}
	for _, loc := range standardInstallLocations() {
		if _, err := os.Stat(loc); err == nil {
			candidates = append(candidates, LaunchDescriptor{Command: loc, Source: "standard-location"})
		}
	}
	if hasPackageJSON(opts.CWD) {
		candidates = append(candidates, packageManagerRunners()...)
	}

	for _, c := range candidates {
		if probeCLI(ctx, c) {
			d.mu.Lock()
			d.resolved = &c
			d.mu.Unlock()
			return &c, nil
		}
	}

	return nil, &CLINotFoundError{}
}

// probeCLI runs "<command> <args...> --version" with a bounded timeout and
// reports whether it exited successfully. resolve probes every candidate,
// the explicit and env-override ones included, so a stale PATH entry or an
// offline package-manager runner is skipped instead of being returned.
func probeCLI(parent context.Context, d LaunchDescriptor) bool {
	ctx, cancel := context.WithTimeout(parent, 5*time.Second)
	defer cancel()

	args := append(append([]string{}, d.Args...), "--version")
	cmd := exec.CommandContext(ctx, d.Command, args...)
	if err := cmd.Run(); err != nil {
		return false
	}
	return true
}

// versionOf runs the resolved CLI's --version and returns the trimmed
// output, or an error if the probe fails.
func versionOf(ctx context.Context, d *LaunchDescriptor) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	args := append(append([]string{}, d.Args...), "--version")
	out, err := exec.CommandContext(ctx, d.Command, args...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// IsQwenCLIAvailable reports whether the qwen CLI can be resolved and
// responds to a version probe, without raising an error.
func IsQwenCLIAvailable(ctx context.Context, opts ...Option) bool {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	_, err := defaultCLIDiscovery.resolve(ctx, o)
	return err == nil
}

// GetQwenCLIVersion resolves the qwen CLI exactly as Query/Run would and
// returns its reported version string.
func GetQwenCLIVersion(ctx context.Context, opts ...Option) (string, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	d, err := defaultCLIDiscovery.resolve(ctx, o)
	if err != nil {
		return "", err
	}
	return versionOf(ctx, d)
}
