package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestIncludesMergeProviders(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "llm.yaml", `
llm:
  providers:
    - name: "openai"
      api_key: "sk-from-include"
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "llm.yaml"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.LLM.Providers, 1)
	assert.Equal(t, "sk-from-include", cfg.LLM.Providers[0].APIKey)
	assert.Nil(t, cfg.Includes)
}

func TestIncludesGlobPattern(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "conf.d")
	require.NoError(t, os.Mkdir(sub, 0755))
	writeConfigFile(t, sub, "checkpoint.yaml", `
checkpoint:
  store: "file"
  path: "/var/lib/discovery/checkpoints"
`)
	writeConfigFile(t, sub, "tools.yaml", `
tools:
  max_parallel: 8
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "conf.d/*.yaml"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "file", cfg.Checkpoint.Store)
	assert.Equal(t, 8, cfg.Tools.MaxParallel)
}

func TestIncludesGlobWithoutMatches(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "conf.d/*.yaml"
`)

	_, err := Load(path)
	assert.NoError(t, err)
}

func TestIncludesRelativeAndAbsolutePaths(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0755))
	writeConfigFile(t, sub, "logger.yaml", "logger:\n  level: \"debug\"\n")
	abs := writeConfigFile(t, dir, "format.yaml", "logger:\n  format: \"json\"\n")
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "sub/logger.yaml"
  - "`+abs+`"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Format)
}

func TestIncludesMainPrecedence(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "override.yaml", `
agent:
  max_iterations: 9
  default_search_tool: "arxiv"
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "override.yaml"
agent:
  max_iterations: 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Agent.MaxIterations, "main file wins")
	assert.Equal(t, "arxiv", cfg.Agent.DefaultSearchTool, "include value kept where main is silent")
}

func TestIncludesNested(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "level2.yaml", "logger:\n  format: \"json\"\n")
	writeConfigFile(t, dir, "level1.yaml", `
includes:
  - "level2.yaml"
logger:
  level: "debug"
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "level1.yaml"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Logger.Format)
	assert.Equal(t, "debug", cfg.Logger.Level)
}

func TestIncludesEmptyFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "empty.yaml", "")
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "empty.yaml"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Defaults().Agent, cfg.Agent)
}

func TestIncludesErrors(t *testing.T) {
	tests := []struct {
		name    string
		files   map[string]string
		modes   map[string]os.FileMode
		include string
		wantErr string
	}{
		{
			name: "circular",
			files: map[string]string{
				"a.yaml": "includes:\n  - \"b.yaml\"\n",
				"b.yaml": "includes:\n  - \"a.yaml\"\n",
			},
			include: "a.yaml",
			wantErr: "circular include",
		},
		{
			name:    "self reference",
			include: "config.yaml",
			wantErr: "circular include",
		},
		{
			name:    "path traversal",
			include: "../../../etc/passwd",
			wantErr: "escapes config directory",
		},
		{
			name:    "insecure permissions",
			files:   map[string]string{"open.yaml": "logger:\n  level: debug\n"},
			modes:   map[string]os.FileMode{"open.yaml": 0666},
			include: "open.yaml",
			wantErr: "insecure permissions",
		},
		{
			name:    "missing file",
			include: "nonexistent.yaml",
			wantErr: "config includes",
		},
		{
			name:    "invalid yaml",
			files:   map[string]string{"bad.yaml": "invalid: [yaml: bad"},
			include: "bad.yaml",
			wantErr: "parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, content := range tt.files {
				p := writeConfigFile(t, dir, name, content)
				if mode, ok := tt.modes[name]; ok {
					require.NoError(t, os.Chmod(p, mode))
				}
			}
			path := writeConfigFile(t, dir, "config.yaml", fmt.Sprintf("includes:\n  - %q\n", tt.include))

			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIncludesMaxDepth(t *testing.T) {
	dir := t.TempDir()

	levels := maxIncludeDepth + 2
	for i := levels; i >= 1; i-- {
		var content string
		if i < levels {
			content = fmt.Sprintf("includes:\n  - \"level%d.yaml\"\n", i+1)
		}
		writeConfigFile(t, dir, fmt.Sprintf("level%d.yaml", i), content)
	}
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - \"level1.yaml\"\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max depth")
}
