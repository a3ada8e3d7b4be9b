package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"wootsim/internal/analog"
	"wootsim/internal/ipc"
)

const defaultSocketPath = "/tmp/wootsim.sock"

// newRootCmd builds the wootctl command tree.
func newRootCmd() *cobra.Command {
	var socketPath string

	root := &cobra.Command{
		Use:   "wootctl",
		Short: "Control a running wootsim daemon.",
		Long: `wootctl talks to the wootsim daemon over its Unix control socket ` +
			`and can follow the WebSocket key feed.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", defaultSocketPath, "Unix domain socket path of the daemon")

	send := func(req ipc.Request) (ipc.Response, error) {
		return ipc.Send(socketPath, req)
	}

	root.AddCommand(
		newReadCmd(send),
		newPeekCmd(send),
		newModeCmd(send),
		newSnapshotCmd(send),
		newLifecycleCmd("init", "Initialise the simulated SDK", ipc.TypeInitialise, send),
		newLifecycleCmd("uninit", "Uninitialize the simulated SDK", ipc.TypeUninitialize, send),
		newWatchCmd(),
	)
	return root
}

type sendFunc func(req ipc.Request) (ipc.Response, error)

func parseScanCodeArg(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid scan code %q", s)
	}
	return uint16(n), nil
}

func printValue(w io.Writer, resp ipc.Response) {
	if resp.Value == nil {
		fmt.Fprintln(w, "ok")
		return
	}
	fmt.Fprintf(w, "%.2f\n", *resp.Value)
}

func newReadCmd(send sendFunc) *cobra.Command {
	var device uint32

	cmd := &cobra.Command{
		Use:   "read <scan_code>",
		Short: "Read (and advance) the analog value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := parseScanCodeArg(args[0])
			if err != nil {
				return err
			}
			resp, err := send(ipc.Request{Type: ipc.TypeRead, Device: device, ScanCode: ipc.ScanCodePtr(sc)})
			if err != nil {
				return err
			}
			printValue(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&device, "device", 0, "Device id")
	return cmd
}

func newPeekCmd(send sendFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "peek <scan_code>",
		Short: "Show the stored analog value of a key without advancing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := parseScanCodeArg(args[0])
			if err != nil {
				return err
			}
			resp, err := send(ipc.Request{Type: ipc.TypePeek, ScanCode: ipc.ScanCodePtr(sc)})
			if err != nil {
				return err
			}
			printValue(cmd.OutOrStdout(), resp)
			return nil
		},
	}
}

func newModeCmd(send sendFunc) *cobra.Command {
	return &cobra.Command{
		Use:       "mode <hid|scancode1|virtualkey|N>",
		Short:     "Set the key code mode",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{analog.KeyCodeHID.String(), analog.KeyCodeScanCode1.String(), analog.KeyCodeVirtualKey.String()},
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := send(ipc.Request{Type: ipc.TypeSetMode, Mode: args[0]}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newSnapshotCmd(send sendFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "List the polled keys with their last value and press state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := send(ipc.Request{Type: ipc.TypeSnapshot})
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, k := range resp.Keys {
				state := "up"
				if k.Pressed {
					state = "down"
				}
				fmt.Fprintf(w, "0x%02X %.2f %s\n", k.ScanCode, k.Value, state)
			}
			return nil
		},
	}
}

func newLifecycleCmd(use, short, reqType string, send sendFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := send(ipc.Request{Type: reqType}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}
