package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"hermit/internal/protocol"
)

func newSendCmd() *cobra.Command {
	var group string

	cmd := &cobra.Command{
		Use:   "send [prompt...]",
		Short: "Send a message",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			if prompt == "" {
				return errors.New("no prompt provided")
			}
			resp, err := request(cmd.Context(), protocol.Request{
				Cmd:    protocol.CmdSend,
				Group:  group,
				Prompt: prompt,
			})
			if err != nil {
				return err
			}
			fmt.Println(resp.Result)
			return nil
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "default", "group name")
	return cmd
}

func newGroupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "groups",
		Short: "List groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := request(cmd.Context(), protocol.Request{Cmd: protocol.CmdGroups})
			if err != nil {
				return err
			}
			if len(resp.Groups) == 0 {
				fmt.Println("No groups yet.")
				return nil
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Name", "Folder", "Session", "Created"})
			for _, g := range resp.Groups {
				session := "none"
				if g.SessionID != "" {
					session = "active"
				}
				tw.AppendRow(table.Row{g.Name, g.Folder, session, g.CreatedAt})
			}
			tw.Render()
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := request(cmd.Context(), protocol.Request{Cmd: protocol.CmdPing}); err != nil {
				fmt.Println("Daemon: not running")
				fmt.Println("  Start with: hermit daemon")
				return err
			}
			fmt.Println("Daemon: running")
			return nil
		},
	}
}

func newNewCmd() *cobra.Command {
	var group string

	cmd := &cobra.Command{
		Use:   "new",
		Short: "Start a new session (clear existing)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := request(cmd.Context(), protocol.Request{
				Cmd:   protocol.CmdNewSession,
				Group: group,
			})
			if err != nil {
				return err
			}
			fmt.Println(resp.Message)
			return nil
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "default", "group name")
	return cmd
}

func newReplCmd() *cobra.Command {
	var group string

	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Interactive chat via the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("Hermit: chatting in group %q\n", group)
			fmt.Println("Type 'exit' or Ctrl+D to quit, '/new' to clear the session")
			fmt.Println()

			sc := bufio.NewScanner(os.Stdin)
			sc.Buffer(make([]byte, 0, 64*1024), protocol.MaxRequestBytes)
			for {
				fmt.Print("> ")
				if !sc.Scan() {
					fmt.Println("\nGoodbye!")
					return sc.Err()
				}
				prompt := strings.TrimSpace(sc.Text())
				switch {
				case prompt == "":
					continue
				case strings.EqualFold(prompt, "exit"):
					return nil
				case prompt == "/new":
					if _, err := request(cmd.Context(), protocol.Request{
						Cmd:   protocol.CmdNewSession,
						Group: group,
					}); err != nil {
						fmt.Printf("Error: %v\n\n", err)
						continue
					}
					fmt.Print("Session cleared.\n\n")
					continue
				}

				resp, err := request(cmd.Context(), protocol.Request{
					Cmd:    protocol.CmdSend,
					Group:  group,
					Prompt: prompt,
				})
				if err != nil {
					fmt.Printf("Error: %v\n\n", err)
					continue
				}
				fmt.Printf("\n%s\n\n", resp.Result)
			}
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "default", "group name")
	return cmd
}
