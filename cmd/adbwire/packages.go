package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/adbwire/internal/pkglist"
)

var (
	packagesCmd = &cobra.Command{
		Use:   "packages",
		Short: "List installed packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := packageType(cmd)
			if err != nil {
				return err
			}
			useSync, _ := cmd.Flags().GetBool("sync")

			t, err := openTarget(cmd)
			if err != nil {
				return err
			}
			defer t.Close()

			list := t.ListPackages
			if useSync {
				list = t.ListPackagesSync
			}
			pkgs, err := list(cmd.Context(), typ)
			if err != nil {
				return err
			}
			if cfg.JSON {
				return printJSON(pkgs)
			}

			rows := make([][]string, 0, len(pkgs))
			for _, p := range pkgs {
				row := []string{p.Name}
				switch typ.Details {
				case pkglist.ShowAssociatedApks:
					row = append(row, p.Path)
				case pkglist.ShowVersionCode:
					row = append(row, strconv.FormatInt(p.VersionCode, 10))
				case pkglist.ShowInstaller:
					row = append(row, p.Installer)
				}
				rows = append(rows, row)
			}
			header := []string{"Package"}
			if typ.Details != pkglist.Normal {
				header = append(header, typ.Details.String())
			}
			return renderTable(header, rows)
		},
	}

	installCmd = &cobra.Command{
		Use:   "install <apk>",
		Short: "Install an APK on the device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTarget(cmd)
			if err != nil {
				return err
			}
			defer t.Close()

			spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("installing %s", args[0]))
			out, err := t.Install(cmd.Context(), args[0])
			if err != nil {
				spinner.Fail(err.Error())
				return errors.Wrapf(err, "install %s", args[0])
			}
			spinner.Success(out)
			return nil
		},
	}
)

func init() {
	f := packagesCmd.Flags()
	f.String("scope", "all", "which packages: "+strings.Join(pkglist.ScopeNames(), ", "))
	f.String("details", "normal", "extra column: normal, versioncode, installer, apks")
	f.String("user", "", `user filter: "", "current" or a numeric id`)
	f.Bool("sync", false, "list through a sync session instead of exec")

	rootCmd.AddCommand(packagesCmd, installCmd)
}

// packageType builds the selector from the packages flags.
func packageType(cmd *cobra.Command) (pkglist.Type, error) {
	scopeName, _ := cmd.Flags().GetString("scope")
	detailsName, _ := cmd.Flags().GetString("details")
	userName, _ := cmd.Flags().GetString("user")

	scope, err := pkglist.ParseScope(scopeName)
	if err != nil {
		return pkglist.Type{}, err
	}
	details, err := pkglist.ParseDetails(detailsName)
	if err != nil {
		return pkglist.Type{}, err
	}
	user, err := pkglist.ParseUserFilter(userName)
	if err != nil {
		return pkglist.Type{}, err
	}
	return pkglist.Type{Scope: scope, Details: details, User: user}, nil
}
