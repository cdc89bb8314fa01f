package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"

	"hermit/internal/storage"
	"hermit/internal/tools"
	"hermit/pkg/logx"
)

func newToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Manage sandbox tools",
	}
	cmd.AddCommand(newToolsInstallCmd(), newToolsListCmd())
	return cmd
}

func newToolsInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install <tool>",
		Short: "Install a tool into the sandbox tools directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("Installing %s...\n", args[0])
			dest, err := tools.Install(cmd.Context(), args[0], cfg.ToolsDir())
			if err != nil {
				return err
			}
			fmt.Printf("Installed %s to %s\n", args[0], dest)
			return nil
		},
	}
}

func newToolsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed and available tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			installed := tools.List(cfg.ToolsDir())
			if len(installed) == 0 {
				fmt.Println("No tools installed. Available:")
				for _, name := range tools.Available() {
					fmt.Printf("  hermit tools install %s\n", name)
				}
				return nil
			}
			fmt.Println("Installed tools:")
			for _, name := range installed {
				fmt.Printf("  %s\n", name)
			}
			fmt.Println("\nAvailable:")
			for _, name := range tools.Available() {
				if !slices.Contains(installed, name) {
					fmt.Printf("  hermit tools install %s\n", name)
				}
			}
			return nil
		},
	}
}

func newAuthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth <tool>",
		Short: "Authenticate a tool for the sandbox (supported: gh)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != "gh" {
				return fmt.Errorf("unknown tool %q (supported: gh)", args[0])
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ghConfigDir := filepath.Join(cfg.ToolConfigDir(), "gh")
			if err := os.MkdirAll(ghConfigDir, 0o700); err != nil {
				return err
			}

			ghPath := filepath.Join(cfg.ToolsDir(), "gh")
			if _, err := os.Stat(ghPath); err != nil {
				fmt.Println("gh not installed. Installing...")
				if _, err := tools.Install(cmd.Context(), "gh", cfg.ToolsDir()); err != nil {
					return err
				}
			}

			// gh writes hosts.yml under GH_CONFIG_DIR; the sandbox runner
			// later reads the token from there, never from the user's own
			// gh config.
			fmt.Printf("Authenticating gh for hermit (config: %s)\n", ghConfigDir)
			login := exec.CommandContext(cmd.Context(), ghPath, "auth", "login", "-h", "github.com")
			login.Stdin = os.Stdin
			login.Stdout = os.Stdout
			login.Stderr = os.Stderr
			login.Env = append(os.Environ(), "GH_CONFIG_DIR="+ghConfigDir)
			if err := login.Run(); err != nil {
				return fmt.Errorf("gh auth login: %w", err)
			}

			fmt.Printf("\nDone. gh auth stored in %s\n", ghConfigDir)
			return nil
		},
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the state directory and database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := storage.Open(storage.Config{
				Path:      cfg.DBPath(),
				GroupsDir: cfg.GroupsDir(),
			}, logx.Nop())
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Printf("Database initialized at %s\n", cfg.DBPath())
			return nil
		},
	}
}
