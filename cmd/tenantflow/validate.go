package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xraph/tenantflow/graph"
	"github.com/xraph/tenantflow/template"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file|dir]...",
		Short: "Check template files for schema errors and dependency cycles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				tpls, err := loadTemplates(path)
				if err != nil {
					fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
					failed++
					continue
				}
				for _, t := range tpls {
					if _, err := graph.Compile(t); err != nil {
						fmt.Fprintf(out, "FAIL %s (%s): %v\n", path, t.Name, err)
						failed++
						continue
					}
					fmt.Fprintf(out, "ok   %s (%s, %d steps)\n", path, t.Name, len(t.Steps))
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d template(s) invalid", failed)
			}
			return nil
		},
	}
}

func loadTemplates(path string) ([]*template.Template, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		tpls, err := template.LoadDir(path)
		if err == nil && len(tpls) == 0 {
			err = errors.New("no templates found")
		}
		return tpls, err
	}
	t, err := template.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return []*template.Template{t}, nil
}
