package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/opentalon/conductor/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config and every workflow pattern without starting",
	Long: `Validate loads the config file and every pattern in the workflow
directory. Pattern capabilities are checked against the capabilities
declared in the config; agents that describe themselves are not contacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		var known map[string]bool
		if !selfDescribing(cfg.Agents) {
			known = declaredCapabilities(cfg.Agents)
		}
		catalog, errs := loadCatalog(cfg.Workflows.Dir, known)
		out := cmd.OutOrStdout()
		for _, err := range errs {
			printStatus(out, "invalid:", err.Error(), color.FgRed)
		}
		for _, name := range catalog.Names() {
			printStatus(out, "ok:", name, color.FgGreen)
		}
		if len(errs) > 0 {
			return fmt.Errorf("%d pattern error(s)", len(errs))
		}
		fmt.Fprintf(out, "config ok: %d agents, %d patterns, store %s\n", len(cfg.Agents), len(catalog.Names()), cfg.Store.Driver)
		return nil
	},
}

func printStatus(out io.Writer, label, message string, attr color.Attribute) {
	fmt.Fprintf(out, "%s %s\n", color.New(attr).Sprint(label), message)
}

func selfDescribing(agents []config.AgentConfig) bool {
	for _, a := range agents {
		if len(a.Capabilities) == 0 {
			return true
		}
	}
	return false
}

func declaredCapabilities(agents []config.AgentConfig) map[string]bool {
	known := make(map[string]bool)
	for _, a := range agents {
		for _, c := range a.Capabilities {
			known[c] = true
		}
	}
	return known
}
