package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/3cpo-dev/nodewarden/internal/command"
	"github.com/3cpo-dev/nodewarden/pkg/api"
)

func newConsoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Interact with a server console",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "send <server> <command...>",
		Short: "Send a console command",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openDiscovered(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			node, err := target(cmd, a, args[0])
			if err != nil {
				return err
			}
			return printResult(a.Commands.SendConsoleCommand(cmd.Context(), node, args[0], strings.Join(args[1:], " ")))
		},
	})

	history := &cobra.Command{
		Use:   "history <server>",
		Short: "Print recent console output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lines, _ := cmd.Flags().GetInt("lines")
			a, err := openDiscovered(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			node, err := target(cmd, a, args[0])
			if err != nil {
				return err
			}
			res := a.Commands.GetConsoleHistory(cmd.Context(), node, args[0], lines)
			if !res.Success {
				return printResult(res)
			}
			var out []api.ConsoleLine
			if err := res.Decode(&out); err != nil {
				return err
			}
			for _, l := range out {
				fmt.Println(l.Text)
			}
			return nil
		},
	}
	history.Flags().Int("lines", command.DefaultHistoryLines, "number of lines")
	cmd.AddCommand(history)
	return cmd
}

func newFilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "Browse and transfer server files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ls <server> [path]",
		Short: "List a directory",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := "/"
			if len(args) == 2 {
				p = args[1]
			}
			a, err := openDiscovered(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			node, err := target(cmd, a, args[0])
			if err != nil {
				return err
			}
			res := a.Commands.ListFiles(cmd.Context(), node, args[0], p)
			if !res.Success {
				return printResult(res)
			}
			var entries []api.FileEntry
			if err := res.Decode(&entries); err != nil {
				return err
			}
			for _, e := range entries {
				name := e.Name
				if e.IsDir {
					name += "/"
				}
				fmt.Printf("%s\t%d\t%s\n", e.Mode, e.Size, name)
			}
			return nil
		},
	})

	get := &cobra.Command{
		Use:   "get <server> <path>",
		Short: "Download a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			a, err := openDiscovered(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			node, err := target(cmd, a, args[0])
			if err != nil {
				return err
			}
			res := a.Commands.DownloadFile(cmd.Context(), node, args[0], args[1])
			if !res.Success {
				return printResult(res)
			}
			var content api.FileContent
			if err := res.Decode(&content); err != nil {
				return err
			}
			data, err := base64.StdEncoding.DecodeString(content.Content)
			if err != nil {
				return fmt.Errorf("decode file: %w", err)
			}
			if out == "" || out == "-" {
				_, err = os.Stdout.Write(data)
				return err
			}
			return os.WriteFile(out, data, 0o644)
		},
	}
	get.Flags().StringP("out", "o", "", "write to file instead of stdout")
	cmd.AddCommand(get)

	cmd.AddCommand(&cobra.Command{
		Use:   "put <server> <local> <remote>",
		Short: "Upload a local file",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			a, err := openDiscovered(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			node, err := target(cmd, a, args[0])
			if err != nil {
				return err
			}
			return printResult(a.Commands.UploadFile(cmd.Context(), node, args[0], args[2], base64.StdEncoding.EncodeToString(data), api.EncodingBase64))
		},
	})
	return cmd
}
