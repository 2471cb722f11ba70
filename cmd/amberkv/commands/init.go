package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/amberkv/amberkv/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample configuration file",
	Long: `Write a sample amberkv configuration file with single-node
defaults to the given path, or ./amberkv.yaml if --config is omitted.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	if path == "" {
		path = "amberkv.yaml"
	}

	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)

	if err := config.Save(cfg, path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to add peers and set this node's id")
	fmt.Printf("  2. Start the server: amberkv start --config %s\n", path)
	return nil
}
