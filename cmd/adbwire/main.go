// adbwire — a client for the ADB wire protocols.
//
// It talks to a local adb server (host protocol) or straight to a device
// endpoint (message protocol) over TCP, WebSocket, or a WebRTC DataChannel
// set up through the relay command.
package main

import (
	"context"
	"os"
	"os/signal"

	jsoniter "github.com/json-iterator/go"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/adbwire/internal/app"
	"github.com/1ureka/adbwire/internal/config"
	"github.com/1ureka/adbwire/internal/util"
)

var version = "dev"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	v   = config.NewViper()
	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:           "adbwire",
		Short:         "ADB wire-protocol client",
		Long:          "adbwire speaks the adb host protocol to a server, or the message protocol straight to a device.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(v, cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}
			cfg = c
			if cfg.Debug {
				util.EnableDebug()
			}
			return nil
		},
	}
)

func init() {
	d := config.Default()
	f := rootCmd.PersistentFlags()
	f.String("server", d.ServerAddr, "adb server address (tcp://, ws://, wss://, p2p+ws://)")
	f.String("device", "", "device endpoint; talks the message protocol directly when set")
	f.StringP("serial", "s", "", "device serial on the server path")
	f.String("key", d.KeyPath, "RSA private key used to answer AUTH")
	f.Uint32("max-payload", d.MaxPayload, "largest WRTE payload to advertise")
	f.String("banner", d.Banner, "CNXN system identity")
	f.Bool("debug", false, "enable debug logging")
	f.Bool("json", false, "print results as JSON")
}

// openTarget opens the device selected by the global flags.
func openTarget(cmd *cobra.Command) (app.Target, error) {
	return app.Open(cmd.Context(), cfg)
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(data, '\n'))
	return err
}

// renderTable prints rows under header with pterm.
func renderTable(header []string, rows [][]string) error {
	data := pterm.TableData{header}
	data = append(data, rows...)
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		stop()
		os.Exit(1)
	}
}
