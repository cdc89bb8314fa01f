// Package cli wires the hermit command tree. Every subcommand except
// daemon, tools, auth, and init is a thin client over the control socket.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"hermit/internal/client"
	"hermit/internal/config"
	"hermit/internal/protocol"
)

var cfgPath string

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "hermit",
		Short:         "Personal sandboxed assistant daemon",
		Long:          "Hermit runs prompts in a bubblewrap sandbox, keeps per-group conversation state, and schedules recurring tasks.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file")

	root.AddCommand(
		newDaemonCmd(),
		newSendCmd(),
		newGroupsCmd(),
		newStatusCmd(),
		newNewCmd(),
		newReplCmd(),
		newTaskCmd(),
		newToolsCmd(),
		newAuthCmd(),
		newInitCmd(),
	)
	return root
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgPath)
}

// request performs one daemon round trip, surfacing protocol-level errors
// as command errors.
func request(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	cfg, err := loadConfig()
	if err != nil {
		return protocol.Response{}, err
	}
	resp, err := client.New(cfg.SocketPath()).Do(ctx, req)
	if err != nil {
		return protocol.Response{}, err
	}
	if resp.Status == protocol.StatusError {
		return protocol.Response{}, fmt.Errorf("%s", resp.Error)
	}
	return resp, nil
}
