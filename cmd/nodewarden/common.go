package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/3cpo-dev/nodewarden/internal/app"
	"github.com/3cpo-dev/nodewarden/internal/config"
	"github.com/3cpo-dev/nodewarden/pkg/api"
)

// openApp loads the config named by --config and wires the panel.
func openApp(cmd *cobra.Command) (*app.App, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	a, err := app.New(cfg)
	if err != nil {
		return nil, err
	}
	a.Version = version
	return a, nil
}

// openDiscovered also probes every known node so one-shot commands see the
// current fleet.
func openDiscovered(cmd *cobra.Command) (*app.App, error) {
	a, err := openApp(cmd)
	if err != nil {
		return nil, err
	}
	if _, err := a.Registry.ForceDiscovery(cmd.Context()); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("discovery: %w", err)
	}
	return a, nil
}

// target resolves the node currently able to take commands for serverID.
func target(cmd *cobra.Command, a *app.App, serverID string) (string, error) {
	v := a.Mappings.ValidateServerAgent(cmd.Context(), serverID)
	if !v.Valid {
		return "", fmt.Errorf("server %s: %s", serverID, v.Error)
	}
	return v.NodeUUID, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult prints the data of a successful result and turns a failed one
// into an error.
func printResult(res api.CommandResult) error {
	if !res.Success {
		return errors.New(res.Error)
	}
	if len(res.Data) == 0 {
		fmt.Println("ok")
		return nil
	}
	var v any
	if err := json.Unmarshal(res.Data, &v); err != nil {
		return err
	}
	return printJSON(v)
}
