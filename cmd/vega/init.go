package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	vega "github.com/everydev1618/vegatree"
)

const defaultConfigYAML = `# Vega configuration. Every key can be overridden with VEGA_<SECTION>_<KEY>.
server:
  addr: ":3001"
store:
  driver: sqlite   # sqlite, bolt or memory
  path: ""         # empty uses ~/.vega/vega.db (or vega.bolt)
orchestrator:
  history_size: 100
  turn_timeout: 2m
  adjust_timeout: 5s
  shutdown_grace: 30s
  max_turns: 0
  default_models: []
janitor:
  schedule: "@every 1m"
log:
  level: info
  format: text
profiles:
  path: profiles.yaml
`

const defaultProfilesYAML = `# Capability profiles. Listed profiles replace the built-in ones of the
# same name.
default_models: []
profiles:
  - name: default
    description: Delegates and reads files
    capabilities: [hierarchy, file_read]
  - name: worker
    description: Leaf worker that cannot spawn children
    capabilities: [file_read, file_write, local_execution]
`

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config and profile file to ~/.vega",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing files without asking")
}

func runInit(cmd *cobra.Command, args []string) error {
	fmt.Println(`
  ✦  Vega Setup
  ─────────────────────────────`)

	if err := vega.EnsureHome(); err != nil {
		return fmt.Errorf("create %s: %w", vega.Home(), err)
	}

	files := []struct {
		path    string
		content string
	}{
		{filepath.Join(vega.Home(), "config.yaml"), defaultConfigYAML},
		{vega.DefaultProfilesPath(), defaultProfilesYAML},
	}
	for _, f := range files {
		if _, err := os.Stat(f.path); err == nil && !initForce {
			if !confirm(fmt.Sprintf("\n  %s exists. Overwrite?", f.path)) {
				fmt.Println("  Keeping", f.path)
				continue
			}
		}
		if err := os.WriteFile(f.path, []byte(f.content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.path, err)
		}
		fmt.Println("  Wrote", f.path)
	}

	// Validate what was written.
	if _, err := vega.LoadProfiles(vega.DefaultProfilesPath()); err != nil {
		return fmt.Errorf("profiles file is invalid: %w", err)
	}

	fmt.Print(`
  Next steps:
    vega serve          Start the REST API server
    vega tasks list     List stored tasks
`)
	return nil
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	scanner := bufio.NewScanner(os.Stdin)
	if scanner.Scan() {
		ans := strings.ToLower(strings.TrimSpace(scanner.Text()))
		return ans == "y" || ans == "yes"
	}
	return false
}
