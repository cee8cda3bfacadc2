package cli

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			root.printf("✅ configuration is valid\n")
			return nil
		},
	})

	return cmd
}

func (r *Root) configShow() error {
	cfgPath := os.Getenv("VFXPROC_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/vfxproc/config.json"
	}
	r.printf("Config file: %s\n\n", cfgPath)

	shown := *r.cfg
	if shown.Export.MinIO.SecretKey != "" {
		shown.Export.MinIO.SecretKey = "********"
	}
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(shown)
}
