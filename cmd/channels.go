package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/relaygate/internal/config"
	"github.com/nextlevelbuilder/relaygate/internal/store"
	"github.com/nextlevelbuilder/relaygate/internal/store/pg"
	"github.com/nextlevelbuilder/relaygate/internal/store/sqlite"
)

func channelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Inspect channel configs and live connections",
	}
	cmd.AddCommand(channelsListCmd())
	cmd.AddCommand(channelsStatusCmd())
	cmd.AddCommand(channelsPlanCmd())
	cmd.AddCommand(channelsRestartCmd())
	return cmd
}

// channelsListCmd reads enabled configs straight from the store; it works
// without a running gateway.
func channelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List enabled channel configs from the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			var stores *store.Stores
			if cfg.IsManagedMode() {
				stores, err = pg.NewPGStores(cfg.Database.PostgresDSN)
			} else {
				stores, err = sqlite.NewSQLiteStores(config.ExpandHome(cfg.Database.SQLitePath))
			}
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			configs, err := stores.Configs.ListEnabled(ctx)
			if err != nil {
				return fmt.Errorf("list configs: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tPROJECT\tNAME\tREVISION")
			for _, c := range configs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", c.ID, c.ChannelType, c.ProjectID, c.Name, c.Revision)
			}
			return w.Flush()
		},
	}
}

// channelsStatusCmd queries the running gateway's connection snapshot.
func channelsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show live connection status from the running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printGatewayJSON("/status/connections")
		},
	}
}

// channelsPlanCmd asks the running gateway what a reconcile sweep would do.
func channelsPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show the reconciliation plan without applying it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printGatewayJSON("/status/plan")
		},
	}
}

// channelsRestartCmd tells the running gateway to rebuild one connection.
// This is the recovery path for connections parked in circuit_open.
func channelsRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <config-id>",
		Short: "Restart a channel connection on the running gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postGatewayJSON("/channels/restart?id=" + url.QueryEscape(args[0]))
		},
	}
}

func printGatewayJSON(path string) error {
	return gatewayJSON(http.MethodGet, path)
}

func postGatewayJSON(path string) error {
	return gatewayJSON(http.MethodPost, path)
}

func gatewayJSON(method, path string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	endpoint := fmt.Sprintf("http://%s:%d%s", host, cfg.Server.Port, path)

	req, err := http.NewRequest(method, endpoint, nil)
	if err != nil {
		return err
	}
	if cfg.Server.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Server.Token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("is the gateway running? %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %s: %s", resp.Status, body)
	}

	var pretty json.RawMessage = body
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(string(out))
	return nil
}
