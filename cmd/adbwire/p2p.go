package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/adbwire/internal/discovery"
	"github.com/1ureka/adbwire/internal/relay"
	"github.com/1ureka/adbwire/internal/signaling"
	"github.com/1ureka/adbwire/internal/util"
)

var services = map[string]string{
	"adb":         discovery.ServiceADB,
	"tls-connect": discovery.ServiceTLSConnect,
	"tls-pairing": discovery.ServiceTLSPairing,
}

var (
	discoverCmd = &cobra.Command{
		Use:   "discover",
		Short: "Find network ADB endpoints over mDNS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("service")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			service, ok := services[name]
			if !ok {
				return errors.Errorf("unknown service %q (want adb, tls-connect or tls-pairing)", name)
			}

			spinner, _ := pterm.DefaultSpinner.Start("browsing " + service)
			found, err := discovery.Browse(cmd.Context(), service, timeout)
			if err != nil {
				spinner.Fail(err.Error())
				return err
			}
			spinner.Success(fmt.Sprintf("%d found", len(found)))

			if cfg.JSON {
				return printJSON(found)
			}
			rows := make([][]string, 0, len(found))
			for _, s := range found {
				addrs := make([]string, len(s.Addrs))
				for i, ip := range s.Addrs {
					addrs[i] = ip.String()
				}
				rows = append(rows, []string{s.Instance, s.Addr(), strconv.Itoa(int(s.Port)), strings.Join(addrs, " ")})
			}
			return renderTable([]string{"Instance", "Connect", "Port", "Addresses"}, rows)
		},
	}

	relayCmd = &cobra.Command{
		Use:   "relay",
		Short: "Expose a device endpoint to a remote client over WebRTC",
		Long: `relay runs a PIN-protected signaling server, waits for one client to
finish the WebRTC handshake, then pipes the DataChannel to the target
device endpoint. The client uses --device p2p+ws://host:port/ws?pin=PIN.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetString("target")
			listen, _ := cmd.Flags().GetString("listen")
			pin, _ := cmd.Flags().GetString("pin")
			if pin == "" {
				pin = signaling.GeneratePIN(4)
			}

			peer, err := signaling.EstablishAsHost(cmd.Context(), listen, pin)
			if err != nil {
				return err
			}
			defer peer.Close()

			util.StartStatsReporter(cmd.Context(), statsInterval)
			util.LogSuccess("P2P link established, relaying to %s", target)

			if err := relay.Serve(cmd.Context(), peer.Stream(), target); err != nil {
				return err
			}
			util.LogInfo("relay closed (peer %s)", peer.ConnectionState())
			return nil
		},
	}
)

func init() {
	discoverCmd.Flags().String("service", "adb", "service type: adb, tls-connect, tls-pairing")
	discoverCmd.Flags().Duration("timeout", 3*time.Second, "how long to collect answers")

	relayCmd.Flags().String("target", "127.0.0.1:5555", "device endpoint to relay to")
	relayCmd.Flags().String("listen", ":0", "signaling server listen address")
	relayCmd.Flags().String("pin", "", "signaling PIN (random when empty)")

	rootCmd.AddCommand(discoverCmd, relayCmd)
}
