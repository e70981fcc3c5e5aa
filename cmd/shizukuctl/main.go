// Command shizukuctl is a management CLI for a running system_shizuku
// broker, built the way go-opencode's cmd/opencode/commands tree is
// built: a cobra root command with one subcommand per operation, talking
// to the broker through pkg/client instead of linking the broker's
// internals directly.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zerofrip/system-shizuku/pkg/client"
)

var (
	baseURL string
	appID   int64
	user    int
)

var rootCmd = &cobra.Command{
	Use:   "shizukuctl",
	Short: "Manage a system_shizuku broker",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "addr", "http://localhost:7289", "management surface address")
	rootCmd.PersistentFlags().Int64Var(&appID, "app-id", 1, "caller app id presented to the broker")
	rootCmd.PersistentFlags().IntVar(&user, "user", 0, "target user id")
	rootCmd.AddCommand(listCmd, getCmd, revokeCmd, revokeAllCmd, auditCmd, pingCmd)
}

func newClient() *client.Client {
	return client.New(client.Options{BaseURL: baseURL, AppID: appID, User: user})
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "shizukuctl:", err)
	os.Exit(1)
}

func printJSON(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fail(err)
	}
	fmt.Println(string(b))
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check broker liveness and protocol version",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := newClient().Ping()
		if err != nil {
			return err
		}
		fmt.Println("protocol version:", v)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every grant for --user",
	RunE: func(cmd *cobra.Command, args []string) error {
		grants, err := newClient().ListPermissions(user)
		if err != nil {
			return err
		}
		printJSON(grants)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <package>",
	Short: "Show the grant record for a package in --user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := newClient().GetPermission(args[0], user)
		if err != nil {
			return err
		}
		printJSON(g)
		return nil
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <package>",
	Short: "Revoke a single package's grant in --user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().RevokePermission(args[0], user); err != nil {
			return err
		}
		fmt.Println("revoked")
		return nil
	},
}

var revokeAllCmd = &cobra.Command{
	Use:   "revoke-all",
	Short: "Revoke every grant in --user",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().RevokeAllPermissions(user); err != nil {
			return err
		}
		fmt.Println("revoked all")
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit [package]",
	Short: "Show the audit log for --user, optionally filtered by package",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pkg := ""
		if len(args) == 1 {
			pkg = args[0]
		}
		events, err := newClient().GetAuditLog(pkg, user)
		if err != nil {
			return err
		}
		printJSON(events)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fail(err)
	}
}
