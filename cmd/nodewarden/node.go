package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/nodewarden/internal/bootstrap"
)

func newNodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Manage nodes and their agents",
	}
	cmd.AddCommand(newNodeRegisterCmd())
	cmd.AddCommand(newNodeUnregisterCmd())
	cmd.AddCommand(newNodeLsCmd())
	cmd.AddCommand(newNodeDiscoverCmd())
	cmd.AddCommand(newNodeHealthCmd())
	cmd.AddCommand(newNodeBootstrapCmd())
	return cmd
}

func newNodeRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Probe an agent and register its node",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("uuid")
			baseURL, _ := cmd.Flags().GetString("url")
			key, _ := cmd.Flags().GetString("key")
			if id == "" {
				id = uuid.NewString()
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if !a.Registry.RegisterAgent(cmd.Context(), id, baseURL, key) {
				return fmt.Errorf("agent at %s did not answer the status probe", baseURL)
			}
			fmt.Printf("registered %s\t%s\n", id, baseURL)
			return nil
		},
	}
	cmd.Flags().String("uuid", "", "node uuid (generated when empty)")
	cmd.Flags().String("url", "", "agent base URL")
	cmd.Flags().String("key", "", "agent API key")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func newNodeUnregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <uuid>",
		Short: "Forget a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openDiscovered(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if !a.Registry.UnregisterAgent(cmd.Context(), args[0]) {
				return fmt.Errorf("node %s is not registered", args[0])
			}
			fmt.Printf("unregistered %s\n", args[0])
			return nil
		},
	}
}

func newNodeLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List nodes with their agent state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openDiscovered(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			for _, n := range a.Registry.Nodes() {
				st, _ := a.Registry.Status(n.UUID)
				latency := "-"
				if st.LatencyMs != nil {
					latency = fmt.Sprintf("%dms", *st.LatencyMs)
				}
				fmt.Printf("%s\t%s\t%s\t%s\n", n.UUID, st.State, n.BaseURL, latency)
			}
			return nil
		},
	}
}

func newNodeDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Probe every configured and persisted node",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			report, err := a.Registry.ForceDiscovery(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
}

func newNodeHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe all registered agents and print their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openDiscovered(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return printJSON(a.Commands.HealthCheckAll(cmd.Context()))
		},
	}
}

func newNodeBootstrapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap <host>",
		Short: "Install the agent on a host over SSH and register it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("uuid")
			token, _ := cmd.Flags().GetString("token")
			binary, _ := cmd.Flags().GetString("binary")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if binary != "" {
				a.Config.Bootstrap.AgentBinary = binary
			}
			if a.Config.Bootstrap.AgentBinary == "" {
				return errors.New("no agent binary: set bootstrap.agent_binary or --binary")
			}
			installer, err := a.Installer()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			res, err := installer.Install(ctx, bootstrap.Request{Host: args[0], NodeUUID: id, Token: token})
			if err != nil {
				return err
			}
			fmt.Printf("registered %s\t%s\n", res.NodeUUID, res.BaseURL)
			fmt.Printf("agent sha256 %s\n", res.Checksum)
			return nil
		},
	}
	cmd.Flags().String("uuid", "", "node uuid (generated when empty)")
	cmd.Flags().String("token", "", "agent token (generated when empty)")
	cmd.Flags().String("binary", "", "local agent binary to install")
	cmd.Flags().Duration("timeout", 5*time.Minute, "overall bootstrap deadline")
	return cmd
}
