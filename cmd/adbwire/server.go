package main

import (
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/adbwire/internal/config"
	"github.com/1ureka/adbwire/internal/host"
)

var (
	serverVersionCmd = &cobra.Command{
		Use:   "server-version",
		Short: "Print the adb server's protocol version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ver, err := host.NewServer(cfg.ServerAddr).Version(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.JSON {
				return printJSON(map[string]interface{}{"client": version, "server": ver})
			}
			pterm.Printfln("client %s, adb server version %d", version, ver)
			return nil
		},
	}

	devicesCmd = &cobra.Command{
		Use:   "devices",
		Short: "List devices attached to the adb server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devs, err := host.NewServer(cfg.ServerAddr).Devices(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.JSON {
				return printJSON(devs)
			}
			if len(devs) == 0 {
				pterm.Info.Println("no devices attached")
				return nil
			}
			rows := make([][]string, 0, len(devs))
			for _, d := range devs {
				rows = append(rows, []string{d.Serial, d.State, d.Model, d.Product, strconv.FormatInt(d.TransportID, 10)})
			}
			return renderTable([]string{"Serial", "State", "Model", "Product", "Transport"}, rows)
		},
	}

	killServerCmd = &cobra.Command{
		Use:   "kill-server",
		Short: "Ask the adb server to exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Mode() != config.ModeServer {
				pterm.Warning.Println("--device is ignored by kill-server")
			}
			if err := host.NewServer(cfg.ServerAddr).Kill(cmd.Context()); err != nil {
				return err
			}
			pterm.Success.Println("adb server stopped")
			return nil
		},
	}
)

func init() {
	rootCmd.AddCommand(serverVersionCmd, devicesCmd, killServerCmd)
}
