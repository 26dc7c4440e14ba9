package mcp

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/mattn/go-shellwords"
)

// inheritedEnvKeys are the variables copied from the gateway's own
// environment into the default backend environment.
var inheritedEnvKeys = []string{"HOME", "LOGNAME", "PATH", "SHELL", "TERM", "USER"}

// DefaultEnvironment returns the inherited variable allow-list layered with
// the configured extras. Configured values win.
func DefaultEnvironment(extra map[string]string) map[string]string {
	env := make(map[string]string, len(inheritedEnvKeys)+len(extra))
	for _, key := range inheritedEnvKeys {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

// splitArgs tokenizes a shell-style argument string. Quoted arguments keep
// their embedded whitespace.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	parser := shellwords.NewParser()
	parser.ParseEnv = false
	parser.ParseBacktick = false
	words, err := parser.Parse(args)
	if err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	return words, nil
}

// resolveCommand locates the executable for command and returns the program
// to run with its leading arguments. On Windows, npm-style .cmd and .bat
// shims cannot be executed directly and are run through cmd.exe.
func resolveCommand(command string, args []string, pathEnv string) (string, []string, error) {
	path, err := lookPath(command, pathEnv)
	if err != nil {
		return "", nil, fmt.Errorf("resolve command %q: %w", command, err)
	}

	if runtime.GOOS == "windows" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".cmd", ".bat":
			comspec := os.Getenv("COMSPEC")
			if comspec == "" {
				comspec = "cmd.exe"
			}
			return comspec, append([]string{"/c", path}, args...), nil
		}
	}
	return path, args, nil
}

// lookPath resolves command against pathEnv when it is set, so a PATH
// override supplied for the backend is honoured during resolution.
func lookPath(command, pathEnv string) (string, error) {
	if pathEnv == "" || strings.ContainsRune(command, filepath.Separator) || strings.ContainsRune(command, '/') {
		return exec.LookPath(command)
	}
	for _, dir := range filepath.SplitList(pathEnv) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, command)
		if path, err := exec.LookPath(candidate); err == nil {
			return path, nil
		}
	}
	return exec.LookPath(command)
}

// mergeEnv layers environment maps in order, later layers overriding earlier
// ones, and renders the result as sorted KEY=VALUE pairs.
func mergeEnv(layers ...map[string]string) []string {
	merged := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// processEnv returns the gateway's own environment as a map.
func processEnv() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}
	return env
}
