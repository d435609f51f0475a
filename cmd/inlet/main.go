package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/inletio/inlet/pkg/config"
	"github.com/inletio/inlet/pkg/connector/core"
	"github.com/inletio/inlet/pkg/connector/registry"
	"github.com/inletio/inlet/pkg/logger"
)

var version = "0.1.0"

type globalFlags struct {
	configPath string
	logLevel   string
	timeout    time.Duration
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "inlet",
		Short: "Inlet - Multi-vendor SaaS connector hub",
		Long: `Inlet fetches records, schemas and object listings from SaaS vendors
(Salesforce, HubSpot, Google Ads, GA4, Google Sheets, Meta Ads) through
one uniform connector contract.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Init(logger.Config{
				Level:    flags.logLevel,
				Encoding: "console",
			})
		},
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "inlet.yaml", "Path to hub configuration file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", 10*time.Minute, "Operation timeout")

	root.AddCommand(versionCmd())
	root.AddCommand(connectorsCmd())
	root.AddCommand(validateCmd(flags))
	root.AddCommand(fetchCmd(flags))
	root.AddCommand(schemaCmd(flags))
	root.AddCommand(objectsCmd(flags))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Inlet v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func connectorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connectors",
		Short: "List available connector vendors",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Available connectors:")
			for _, vendor := range registry.New().Vendors() {
				fmt.Printf("  - %s\n", vendor)
			}
		},
	}
}

// openConnector builds and authenticates the named connector from the
// hub configuration file.
func openConnector(ctx context.Context, flags *globalFlags, name string) (core.Connector, error) {
	hub, err := config.LoadHub(flags.configPath)
	if err != nil {
		return nil, err
	}
	entry, err := hub.Connector(name)
	if err != nil {
		return nil, err
	}

	conn, err := registry.New().New(entry.Vendor, entry.Credentials, entry.RateLimit)
	if err != nil {
		return nil, err
	}
	if err := conn.Authenticate(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func validateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <connector>",
		Short: "Validate a connector's credentials against the vendor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			conn, err := openConnector(ctx, flags, args[0])
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			if err := conn.ValidateConnection(ctx); err != nil {
				return err
			}
			fmt.Printf("Connection %q is valid (state: %s)\n", args[0], conn.State())
			return nil
		},
	}
}

func fetchCmd(flags *globalFlags) *cobra.Command {
	var (
		object     string
		query      string
		limit      int
		maxPages   int
		dateRange  string
		fields     []string
		where      string
		orderBy    string
		dimensions []string
		metricCols []string
		headers    bool
		out        string
	)

	cmd := &cobra.Command{
		Use:   "fetch <connector>",
		Short: "Fetch records from a connector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (object == "") == (query == "") {
				return fmt.Errorf("exactly one of --object or --query is required")
			}
			sel := config.Object(object)
			if query != "" {
				sel = config.Query(query)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			conn, err := openConnector(ctx, flags, args[0])
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			result, err := conn.FetchData(ctx, sel, config.QueryParams{
				Limit:          limit,
				MaxPages:       maxPages,
				DateRange:      dateRange,
				Fields:         fields,
				Where:          where,
				OrderBy:        orderBy,
				Dimensions:     dimensions,
				Metrics:        metricCols,
				IncludeHeaders: headers,
			})
			if err != nil {
				return err
			}
			if result.Partial() {
				for _, ferr := range result.Errors {
					logger.Warn("partial fetch error", zap.Error(ferr))
				}
			}

			if err := writeJSON(out, result.Records); err != nil {
				return err
			}
			logger.Info("fetch complete",
				zap.Int("records", len(result.Records)),
				zap.Bool("partial", result.Partial()))
			return nil
		},
	}
	cmd.Flags().StringVar(&object, "object", "", "Object to fetch (e.g. Account, contacts, campaigns)")
	cmd.Flags().StringVar(&query, "query", "", "Vendor query to run (SOQL, GAQL, A1 range)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum records to fetch (0 = vendor default)")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "Maximum pages to walk (0 = default cap)")
	cmd.Flags().StringVar(&dateRange, "date-range", "", "Reporting window, e.g. 2024-01-01..2024-01-31")
	cmd.Flags().StringSliceVar(&fields, "fields", nil, "Fields to fetch")
	cmd.Flags().StringVar(&where, "where", "", "Filter condition in the vendor's syntax")
	cmd.Flags().StringVar(&orderBy, "order-by", "", "Sort order in the vendor's syntax")
	cmd.Flags().StringSliceVar(&dimensions, "dimensions", nil, "Report dimensions (analytics connectors)")
	cmd.Flags().StringSliceVar(&metricCols, "metrics", nil, "Report metrics (analytics connectors)")
	cmd.Flags().BoolVar(&headers, "include-headers", true, "Treat first row as headers (tabular sources)")
	cmd.Flags().StringVarP(&out, "output", "o", "-", "Output file (- for stdout)")
	return cmd
}

func schemaCmd(flags *globalFlags) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "schema <connector> <object>",
		Short: "Fetch the normalized schema of an object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			conn, err := openConnector(ctx, flags, args[0])
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			result, err := conn.FetchSchema(ctx, args[1])
			if err != nil {
				return err
			}
			for _, serr := range result.Errors {
				logger.Warn("schema error", zap.Error(serr))
			}
			if result.Schema == nil {
				return fmt.Errorf("no schema available for %q", args[1])
			}
			return writeJSON(out, result.Schema)
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "-", "Output file (- for stdout)")
	return cmd
}

func objectsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "objects <connector>",
		Short: "List the objects a connector can fetch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			conn, err := openConnector(ctx, flags, args[0])
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			result, err := conn.ListObjects(ctx)
			if err != nil {
				return err
			}
			for _, oerr := range result.Errors {
				logger.Warn("listing error", zap.Error(oerr))
			}
			for _, obj := range result.Objects {
				if obj.Label != "" && obj.Label != obj.Name {
					fmt.Printf("  - %s (%s)\n", obj.Name, obj.Label)
				} else {
					fmt.Printf("  - %s\n", obj.Name)
				}
			}
			return nil
		},
	}
}

// writeJSON writes v as indented JSON to path, or stdout for "-".
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if path == "" || path == "-" {
		fmt.Println(string(data))
		return nil
	}
	return os.WriteFile(path, append(data, '\n'), 0644) //nolint:gosec
}
