package executor

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// defaultPath is used when the host process has no PATH
const defaultPath = "/usr/local/bin:/usr/bin:/bin:/usr/sbin:/sbin"

// BuildEnv returns base with HOME, USER and PATH filled in when absent and
// the git identity variables forced to the bot identity.
func BuildEnv(base []string, botName, botEmail string) []string {
	vars := make(map[string]string, len(base))
	var order []string
	set := func(k, v string) {
		if _, ok := vars[k]; !ok {
			order = append(order, k)
		}
		vars[k] = v
	}
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		set(k, v)
	}

	u, _ := user.Current()
	if vars["HOME"] == "" {
		home := os.TempDir()
		if u != nil && u.HomeDir != "" {
			home = u.HomeDir
		}
		set("HOME", home)
	}
	if vars["USER"] == "" {
		name := "orchestrator"
		if u != nil && u.Username != "" {
			name = u.Username
		}
		set("USER", name)
	}
	if vars["PATH"] == "" {
		set("PATH", defaultPath)
	}
	// Agents installed with npm -g often live under ~/.local/bin.
	local := filepath.Join(vars["HOME"], ".local", "bin")
	if !strings.Contains(vars["PATH"], local) {
		set("PATH", vars["PATH"]+string(os.PathListSeparator)+local)
	}

	if botName != "" {
		set("GIT_AUTHOR_NAME", botName)
		set("GIT_COMMITTER_NAME", botName)
	}
	if botEmail != "" {
		set("GIT_AUTHOR_EMAIL", botEmail)
		set("GIT_COMMITTER_EMAIL", botEmail)
	}

	env := make([]string, 0, len(order))
	for _, k := range order {
		env = append(env, k+"="+vars[k])
	}
	return env
}

// envFacts picks the variables worth showing when an agent run fails
func envFacts(env []string) []string {
	var facts []string
	for _, kv := range env {
		k, _, _ := strings.Cut(kv, "=")
		switch k {
		case "HOME", "USER", "PATH", "SHELL":
			facts = append(facts, kv)
		}
	}
	return facts
}
