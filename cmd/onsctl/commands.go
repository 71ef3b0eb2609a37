package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/markus-lassfolk/ons/pkg"
	"github.com/markus-lassfolk/ons/pkg/api"
	"github.com/markus-lassfolk/ons/pkg/audit"
	"github.com/markus-lassfolk/ons/pkg/decision"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func wantJSON(v *viper.Viper) bool {
	return v.GetString("output") == "json"
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show selector state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap decision.Snapshot
			if _, err := newClient(v).do(cmd.Context(), http.MethodGet, "/api/v1/status", nil, &snap); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if wantJSON(v) {
				return printJSON(out, snap)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "enabled:\t%t\n", snap.Enabled)
			fmt.Fprintf(tw, "preferred data:\t%s\n", subString(snap.PreferredDataSub))
			for _, r := range []struct {
				name string
				view *decision.RequestView
			}{{"carrier request", snap.Carrier}, {"system request", snap.System}} {
				if r.view == nil {
					fmt.Fprintf(tw, "%s:\tnone\n", r.name)
					continue
				}
				fmt.Fprintf(tw, "%s:\t%s (%d networks)\n", r.name, r.view.ID, len(r.view.Networks))
			}
			if snap.Active != nil {
				fmt.Fprintf(tw, "active:\t%s %s since %s\n", snap.Active.RequestID, snap.Active.Stage, snap.Active.Since.Format(time.RFC3339))
			} else {
				fmt.Fprintf(tw, "active:\tidle\n")
			}
			if snap.Last != nil {
				fmt.Fprintf(tw, "last:\t%s %s sub %s\n", snap.Last.RequestID, snap.Last.Result, subString(snap.Last.SubID))
			}
			ids := make([]string, 0, len(snap.Opportunistic))
			for _, s := range snap.Opportunistic {
				ids = append(ids, strconv.Itoa(s.ID))
			}
			fmt.Fprintf(tw, "opportunistic:\t%s\n", strings.Join(ids, ", "))
			return tw.Flush()
		},
	}
}

func newEnableCmd(v *viper.Viper, enable bool) *cobra.Command {
	use, short := "enable", "Enable opportunistic selection"
	if !enable {
		use, short = "disable", "Disable opportunistic selection"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Enabled bool `json:"enabled"`
			}
			body := map[string]bool{"enabled": enable}
			if _, err := newClient(v).do(cmd.Context(), http.MethodPut, "/api/v1/enabled", body, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enabled: %t\n", resp.Enabled)
			return nil
		},
	}
}

// parseNetwork parses "sub=5,priority=1,mccmnc=310260;310410,bands=41;48"
func parseNetwork(s string) (pkg.AvailableNetworkInfo, error) {
	n := pkg.AvailableNetworkInfo{Priority: pkg.PriorityHigh}
	haveSub := false
	for _, field := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok {
			return n, fmt.Errorf("invalid field %q, want key=value", field)
		}
		switch key {
		case "sub", "sub_id":
			id, err := strconv.Atoi(value)
			if err != nil {
				return n, fmt.Errorf("invalid sub %q", value)
			}
			n.SubID = id
			haveSub = true
		case "priority":
			p, err := parsePriority(value)
			if err != nil {
				return n, err
			}
			n.Priority = p
		case "mccmnc", "mcc_mnc":
			n.MCCMNCs = splitList(value)
		case "bands":
			for _, b := range splitList(value) {
				band, err := strconv.Atoi(b)
				if err != nil {
					return n, fmt.Errorf("invalid band %q", b)
				}
				n.Bands = append(n.Bands, band)
			}
		default:
			return n, fmt.Errorf("unknown field %q", key)
		}
	}
	if !haveSub {
		return n, fmt.Errorf("network %q has no sub", s)
	}
	return n, nil
}

func parsePriority(s string) (pkg.Priority, error) {
	for _, p := range pkg.Tiers() {
		if s == p.String() || s == strconv.Itoa(int(p)) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("invalid priority %q, want high|medium|low or 1-3", s)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func submitNetworks(cmd *cobra.Command, v *viper.Viper, nets []pkg.AvailableNetworkInfo) error {
	if nets == nil {
		nets = []pkg.AvailableNetworkInfo{}
	}
	var resp api.UpdateResponse
	status, err := newClient(v).do(cmd.Context(), http.MethodPost, "/api/v1/networks", api.NetworksRequest{Networks: nets}, &resp)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if wantJSON(v) {
		return printJSON(out, resp)
	}
	if status == http.StatusAccepted {
		fmt.Fprintf(out, "request %s pending\n", resp.RequestID)
		return nil
	}
	if resp.RequestID != "" {
		fmt.Fprintf(out, "request %s: %s\n", resp.RequestID, resp.Result)
	} else {
		fmt.Fprintf(out, "result: %s\n", resp.Result)
	}
	return nil
}

func newUpdateCmd(v *viper.Viper) *cobra.Command {
	var networks []string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Submit a candidate network list",
		Long: `Submit the candidate networks for the caller.

Each --network is a comma separated list of key=value fields:
  sub       subscription id (required)
  priority  high|medium|low or 1-3 (default high)
  mccmnc    semicolon separated operator codes
  bands     semicolon separated band numbers

Examples:
  onsctl update -n sub=5,priority=high,mccmnc=310260
  onsctl update -n sub=5,mccmnc=310260 -n sub=6,priority=low --caller com.example.carrier`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(networks) == 0 {
				return fmt.Errorf("at least one --network is required, use clear to withdraw")
			}
			var nets []pkg.AvailableNetworkInfo
			for _, s := range networks {
				n, err := parseNetwork(s)
				if err != nil {
					return err
				}
				nets = append(nets, n)
			}
			return submitNetworks(cmd, v, nets)
		},
	}
	cmd.Flags().StringArrayVarP(&networks, "network", "n", nil, "candidate network (repeatable)")
	return cmd
}

func newClearCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Withdraw the caller's network list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitNetworks(cmd, v, nil)
		},
	}
}

func newPreferredDataCmd(v *viper.Viper) *cobra.Command {
	var validate bool
	cmd := &cobra.Command{
		Use:   "preferred-data [sub|default]",
		Short: "Show or set the preferred data subscription",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(v)
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				var resp struct {
					SubID int `json:"sub_id"`
				}
				if _, err := c.do(cmd.Context(), http.MethodGet, "/api/v1/preferred-data", nil, &resp); err != nil {
					return err
				}
				fmt.Fprintf(out, "preferred data: %s\n", subString(resp.SubID))
				return nil
			}

			subID := pkg.DefaultSubscriptionID
			if args[0] != "default" {
				id, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid subscription %q", args[0])
				}
				subID = id
			}
			var resp struct {
				Result string `json:"result"`
			}
			body := api.PreferredDataRequest{SubID: subID, NeedValidation: validate}
			if _, err := c.do(cmd.Context(), http.MethodPut, "/api/v1/preferred-data", body, &resp); err != nil {
				return err
			}
			fmt.Fprintf(out, "result: %s\n", resp.Result)
			return nil
		},
	}
	cmd.Flags().BoolVar(&validate, "validate", false, "request network validation before switching data")
	return cmd
}

func newEventsCmd(v *viper.Viper) *cobra.Command {
	var (
		limit int
		since time.Duration
		types []string
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent selection events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			if since > 0 {
				q.Set("since", time.Now().Add(-since).UTC().Format(time.RFC3339))
			}
			for _, t := range types {
				q.Add("type", t)
			}
			var resp struct {
				Events []pkg.Event `json:"events"`
			}
			if _, err := newClient(v).do(cmd.Context(), http.MethodGet, "/api/v1/events?"+q.Encode(), nil, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if wantJSON(v) {
				return printJSON(out, resp.Events)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tTYPE\tREQUEST\tCLASS\tSUB\tRESULT")
			for _, e := range resp.Events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Format(time.RFC3339), e.Type, e.RequestID, e.Class, subString(e.SubID), e.Result)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this age")
	cmd.Flags().StringSliceVar(&types, "type", nil, "event types to include")
	return cmd
}

func newHistoryCmd(v *viper.Viper) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show finished selections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Selections []audit.SelectionRecord `json:"selections"`
			}
			path := "/api/v1/history?limit=" + strconv.Itoa(limit)
			if _, err := newClient(v).do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if wantJSON(v) {
				return printJSON(out, resp.Selections)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tREQUEST\tCLASS\tCALLER\tRESULT\tSUB\tDURATION")
			for _, s := range resp.Selections {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%dms\n",
					s.Timestamp.Format(time.RFC3339), s.RequestID, s.Class, s.Caller, s.Result, subString(s.SubID), s.DurationMS)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of selections")
	return cmd
}

func newDiagnosticsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnostics",
		Short: "Dump daemon diagnostics as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]interface{}
			if _, err := newClient(v).do(cmd.Context(), http.MethodGet, "/api/v1/diagnostics", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func subString(id int) string {
	switch id {
	case pkg.InvalidSubscriptionID:
		return "-"
	case pkg.DefaultSubscriptionID:
		return "default"
	default:
		return strconv.Itoa(id)
	}
}
