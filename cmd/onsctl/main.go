package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	root := newRootCmd(viper.New())
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	v.SetEnvPrefix("ONSCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:   "onsctl",
		Short: "Control the opportunistic network selection daemon",
		Long: `onsctl talks to the onsd HTTP API.

Commands:
  onsctl status                         Show selector state
  onsctl enable | disable               Toggle opportunistic selection
  onsctl update -n sub=5,priority=1     Submit a candidate network list
  onsctl clear                          Withdraw the caller's list
  onsctl preferred-data [sub|default]   Show or set the preferred data subscription
  onsctl events                         Show recent events
  onsctl history                        Show finished selections`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("addr", "http://127.0.0.1:8086", "onsd API address")
	_ = v.BindPFlag("addr", rootCmd.PersistentFlags().Lookup("addr"))
	rootCmd.PersistentFlags().String("caller", "com.android.phone", "caller package sent as "+callerHeader)
	_ = v.BindPFlag("caller", rootCmd.PersistentFlags().Lookup("caller"))
	rootCmd.PersistentFlags().String("api-key", "", "API key")
	_ = v.BindPFlag("api_key", rootCmd.PersistentFlags().Lookup("api-key"))
	rootCmd.PersistentFlags().StringP("output", "o", "text", "output format (text, json)")
	_ = v.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
	rootCmd.PersistentFlags().Duration("timeout", 0, "request timeout (default 15s)")
	_ = v.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))

	rootCmd.AddCommand(newStatusCmd(v))
	rootCmd.AddCommand(newEnableCmd(v, true))
	rootCmd.AddCommand(newEnableCmd(v, false))
	rootCmd.AddCommand(newUpdateCmd(v))
	rootCmd.AddCommand(newClearCmd(v))
	rootCmd.AddCommand(newPreferredDataCmd(v))
	rootCmd.AddCommand(newEventsCmd(v))
	rootCmd.AddCommand(newHistoryCmd(v))
	rootCmd.AddCommand(newDiagnosticsCmd(v))
	return rootCmd
}
