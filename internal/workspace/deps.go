package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// lockfiles are checked in order; the first one present decides the installer
var lockfiles = []struct {
	file string
	cmd  []string
}{
	{"bun.lockb", []string{"bun", "install", "--frozen-lockfile"}},
	{"bun.lock", []string{"bun", "install", "--frozen-lockfile"}},
	{"pnpm-lock.yaml", []string{"pnpm", "install", "--frozen-lockfile"}},
	{"yarn.lock", []string{"yarn", "install", "--frozen-lockfile"}},
	{"package-lock.json", []string{"npm", "ci"}},
}

// InstallCommand returns the install command for the workspace at path, or
// nil when there is no manifest.
func InstallCommand(path string) []string {
	for _, l := range lockfiles {
		if exists(filepath.Join(path, l.file)) {
			return l.cmd
		}
	}
	if exists(filepath.Join(path, "package.json")) {
		return []string{"npm", "install"}
	}
	return nil
}

// InstallDependencies runs the detected install command in path
func (m *Manager) InstallDependencies(ctx context.Context, path string) error {
	cmd := InstallCommand(path)
	if cmd == nil {
		m.logger.Debug("no dependency manifest", "path", path)
		return nil
	}
	m.logger.Info("installing dependencies", "path", path, "cmd", strings.Join(cmd, " "))
	_, err := m.run(ctx, path, nil, cmd[0], cmd[1:]...)
	return err
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
