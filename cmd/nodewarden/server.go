package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/3cpo-dev/nodewarden/internal/servers"
)

func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Map servers to nodes and control their lifecycle",
	}
	cmd.AddCommand(newServerAssignCmd())
	cmd.AddCommand(newServerReleaseCmd())
	cmd.AddCommand(newServerValidateCmd())
	for _, action := range []servers.PowerAction{servers.PowerStart, servers.PowerStop, servers.PowerRestart, servers.PowerKill} {
		cmd.AddCommand(newServerPowerCmd(action))
	}
	return cmd
}

func newServerAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <server> <node>",
		Short: "Bind a server to a registered node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openDiscovered(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			m, err := a.Mappings.Assign(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("%s -> %s\n", m.ServerID, m.NodeUUID)
			return nil
		},
	}
}

func newServerReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <server>",
		Short: "Remove a server's node binding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Mappings.Release(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("released %s\n", args[0])
			return nil
		},
	}
}

func newServerValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <server>",
		Short: "Check that a server's agent can take commands",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openDiscovered(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return printJSON(a.Mappings.ValidateServerAgent(cmd.Context(), args[0]))
		},
	}
}

func newServerPowerCmd(action servers.PowerAction) *cobra.Command {
	cmd := &cobra.Command{
		Use:   string(action) + " <server>",
		Short: "Send " + string(action) + " to a server's agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts servers.StopOptions
			if action == servers.PowerStop {
				opts.Signal, _ = cmd.Flags().GetString("signal")
				opts.TimeoutSeconds, _ = cmd.Flags().GetInt("timeout")
			}
			a, err := openDiscovered(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			srv, err := a.Servers.Power(cmd.Context(), args[0], action, opts)
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\n", srv.ID, srv.Status)
			return nil
		},
	}
	if action == servers.PowerStop {
		cmd.Flags().String("signal", "", "stop signal (default SIGTERM)")
		cmd.Flags().Int("timeout", 0, "seconds to wait before killing (default 30)")
	}
	return cmd
}
