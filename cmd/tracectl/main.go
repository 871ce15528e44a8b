package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jmerrifield20/agritrace/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL    string
	cfgFile      string
	outputFormat string
	timeout      time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tracectl",
	Short: "Produce traceability ledger CLI",
	Long: `tracectl records and inspects produce batch trace chains on a
traceledger server.

  tracectl append --batch BATCH-42 --actor farmer-17 --role GROWER \
      --type HARVESTED --data '{"crop":"tomato","quantity_kg":1200}'
  tracectl history BATCH-42
  tracectl verify BATCH-42`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.tracectl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("TRACECTL")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		switch outputFormat {
		case "text", "json", "yaml":
			return nil
		}
		return fmt.Errorf("unknown --format %q (want text, json or yaml)", outputFormat)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.tracectl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "traceledger base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text", "Output format: text, json or yaml")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")

	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(anchorsCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	return client.New(serverURL, client.WithTimeout(timeout))
}

// ── append ───────────────────────────────────────────────────────────────────

var (
	appBatch    string
	appActor    string
	appRole     string
	appType     string
	appData     string
	appDataFile string
)

var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append an event to a batch chain",
	Long: `Append records a new event at the end of a batch's hash chain.

Event data is given inline with --data or read from --data-file. Both accept
JSON or YAML objects.`,
	RunE: runAppend,
}

func init() {
	appendCmd.Flags().StringVar(&appBatch, "batch", "", "Batch identifier (required)")
	appendCmd.Flags().StringVar(&appActor, "actor", "", "Actor identifier (required)")
	appendCmd.Flags().StringVar(&appRole, "role", "", "Actor role, e.g. GROWER, PROCESSOR (required)")
	appendCmd.Flags().StringVar(&appType, "type", "", "Event type, e.g. HARVESTED, PACKED (required)")
	appendCmd.Flags().StringVar(&appData, "data", "{}", "Event data as a JSON or YAML object")
	appendCmd.Flags().StringVar(&appDataFile, "data-file", "", "Read event data from a JSON or YAML file")
	for _, f := range []string{"batch", "actor", "role", "type"} {
		_ = appendCmd.MarkFlagRequired(f)
	}
}

func runAppend(cmd *cobra.Command, args []string) error {
	raw := []byte(appData)
	if appDataFile != "" {
		b, err := os.ReadFile(appDataFile)
		if err != nil {
			return fmt.Errorf("read data file: %w", err)
		}
		raw = b
	}
	data, err := parseEventData(raw)
	if err != nil {
		return err
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	ev, err := c.AppendEvent(context.Background(), client.AppendRequest{
		BatchID:   appBatch,
		ActorID:   appActor,
		ActorRole: strings.ToUpper(appRole),
		EventType: strings.ToUpper(appType),
		EventData: data,
	})
	if err != nil {
		return describeError("append event", err)
	}
	return printEvent(cmd.OutOrStdout(), outputFormat, ev)
}

// parseEventData decodes a JSON or YAML object. JSON is valid YAML, so one
// decoder covers both.
func parseEventData(raw []byte) (map[string]any, error) {
	data := map[string]any{}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return data, nil
	}
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse event data: %w", err)
	}
	return data, nil
}

// ── history ──────────────────────────────────────────────────────────────────

var historyCmd = &cobra.Command{
	Use:   "history <batch-id>",
	Short: "Show a batch's events in chain order with their verification",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		h, err := c.History(context.Background(), args[0])
		if err != nil {
			return describeError("fetch history", err)
		}
		return printHistory(cmd.OutOrStdout(), outputFormat, h)
	},
}

// ── verify ───────────────────────────────────────────────────────────────────

var errChainBroken = errors.New("chain verification failed")

var verifyCmd = &cobra.Command{
	Use:   "verify <batch-id>",
	Short: "Verify a batch's hash chain; exits non-zero when it is broken",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		v, err := c.Verify(context.Background(), args[0])
		if err != nil {
			return describeError("verify batch", err)
		}
		if err := printVerification(cmd.OutOrStdout(), outputFormat, v); err != nil {
			return err
		}
		if !v.Valid {
			return errChainBroken
		}
		return nil
	},
}

// ── anchors ──────────────────────────────────────────────────────────────────

var anchorsCmd = &cobra.Command{
	Use:   "anchors <batch-id>",
	Short: "List external ledger anchors recorded for a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		a, err := c.Anchors(context.Background(), args[0])
		if err != nil {
			return describeError("list anchors", err)
		}
		return printAnchors(cmd.OutOrStdout(), outputFormat, a)
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the tracectl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tracectl %s\n", version)
	},
}

func describeError(op string, err error) error {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Temporary() {
		return fmt.Errorf("%s: %w (temporary, retry later)", op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
