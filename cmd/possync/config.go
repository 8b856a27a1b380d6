package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"github.com/tiendapos/possync/internal/config"
	"github.com/tiendapos/possync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Create or inspect the configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with every default",
	Long: `Write a TOML config file listing every setting with its default value.

Without a path the file goes to ~/.config/possync/possync.toml.`,
	Args: cobra.MaximumNArgs(1),
	// The file being created may not exist or parse yet.
	PersistentPreRun: func(cmd *cobra.Command, args []string) {},
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")

		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				fatalf("cannot find home directory: %v", err)
			}
			path = filepath.Join(home, ".config", "possync", "possync.toml")
		}

		if err := config.WriteDefault(path, force); err != nil {
			fatalf("%v (use --force to overwrite)", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the settings after merging defaults, the config file and POSSYNC_*
environment variables. The remote token is masked.`,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")

		settings, file, err := config.Effective(configPath)
		if err != nil {
			fatalf("%v", err)
		}

		switch format {
		case "json":
			writeJSONOutput(os.Stdout, settings)
		case "yaml":
			writeYAMLOutput(os.Stdout, settings)
		case "toml":
			if file != "" {
				fmt.Printf("# from %s\n", file)
			} else {
				fmt.Println("# no config file found, showing defaults and environment")
			}
			if err := toml.NewEncoder(os.Stdout).Encode(settings); err != nil {
				fatalf("failed to encode TOML: %v", err)
			}
		default:
			fatalf("unknown format %q (want toml, yaml or json)", format)
		}
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configShowCmd.Flags().String("format", "toml", "Output format: toml, yaml or json")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
