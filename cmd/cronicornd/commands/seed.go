package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cronicorn/cronicorn/db"
	"github.com/cronicorn/cronicorn/errors"
	"github.com/cronicorn/cronicorn/internal/httpclient"
	"github.com/cronicorn/cronicorn/logger"
	"github.com/cronicorn/cronicorn/schedule"
)

var seedAllowPrivate bool

var seedCmd = &cobra.Command{
	Use:   "seed <manifest.yaml>",
	Short: "Load endpoints from a YAML manifest",
	Long: `Validates and upserts endpoints from a YAML manifest. Existing endpoints
are matched by (tenant, name): their configuration is updated and their
schedule position, failure streak, and hints are preserved.

Manifest format:

  endpoints:
    - tenant: acme
      name: orders-poll
      url: https://api.example.com/orders/poll
      method: POST
      interval_ms: 60000
      min_interval_ms: 10000
      max_interval_ms: 600000
      description: Polls pending orders; response includes queue depth.
    - tenant: acme
      name: nightly-report
      url: https://api.example.com/reports/run
      cron: "0 2 * * *"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		log := logger.ComponentLogger("seed")
		conn, err := db.Open(cfg.Database.Path, log)
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := db.EnsureSchema(conn, log); err != nil {
			return err
		}

		return runSeed(cmd.Context(), schedule.NewJobsStore(conn), args[0])
	},
}

func init() {
	seedCmd.Flags().BoolVar(&seedAllowPrivate, "allow-private", false, "Accept URLs on private networks (development only)")
	rootCmd.AddCommand(seedCmd)
}

// seedManifest is the YAML document shape.
type seedManifest struct {
	Endpoints []seedEndpoint `yaml:"endpoints"`
}

type seedEndpoint struct {
	Tenant             string  `yaml:"tenant"`
	Job                *string `yaml:"job"`
	Name               string  `yaml:"name"`
	Description        *string `yaml:"description"`
	URL                string  `yaml:"url"`
	Method             string  `yaml:"method"`
	HeadersJSON        *string `yaml:"headers_json"`
	BodyJSON           *string `yaml:"body_json"`
	BodySchema         *string `yaml:"body_schema"`
	Cron               *string `yaml:"cron"`
	IntervalMs         *int64  `yaml:"interval_ms"`
	MinIntervalMs      *int64  `yaml:"min_interval_ms"`
	MaxIntervalMs      *int64  `yaml:"max_interval_ms"`
	TimeoutMs          int64   `yaml:"timeout_ms"`
	MaxExecutionTimeMs int64   `yaml:"max_execution_time_ms"`
	MaxResponseSizeKb  int64   `yaml:"max_response_size_kb"`
}

func runSeed(ctx context.Context, jobs *schedule.JobsStore, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read manifest %s", path)
	}

	var manifest seedManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return errors.Wrapf(err, "failed to parse manifest %s", path)
	}
	if len(manifest.Endpoints) == 0 {
		return errors.NewInvalidInputError("manifest %s defines no endpoints", path)
	}

	for i := range manifest.Endpoints {
		entry := &manifest.Endpoints[i]
		if err := validateSeedEndpoint(entry); err != nil {
			return errors.Wrapf(err, "endpoint %d (%s/%s)", i, entry.Tenant, entry.Name)
		}
	}

	log := logger.ComponentLogger("seed")
	created, updated := 0, 0
	for i := range manifest.Endpoints {
		entry := &manifest.Endpoints[i]
		ep := entry.toEndpoint()

		existing, err := jobs.GetEndpointByName(ctx, ep.TenantID, ep.Name)
		switch {
		case err == nil:
			ep.ID = existing.ID
			if err := jobs.UpdateEndpointConfig(ctx, ep); err != nil {
				return err
			}
			updated++
			log.Infow("Updated endpoint", "tenant_id", ep.TenantID, "name", ep.Name, "endpoint_id", ep.ID)
		case errors.IsNotFoundError(err):
			if err := jobs.CreateEndpoint(ctx, ep); err != nil {
				return err
			}
			created++
			log.Infow("Created endpoint", "tenant_id", ep.TenantID, "name", ep.Name, "endpoint_id", ep.ID)
		default:
			return err
		}
	}

	fmt.Printf("Seeded %d endpoints (%d created, %d updated)\n", created+updated, created, updated)
	return nil
}

// validateSeedEndpoint enforces config-time rules so bad configurations
// never reach the scheduler: method whitelist, URL guard, cron XOR interval,
// and guardrail sanity.
func validateSeedEndpoint(entry *seedEndpoint) error {
	if entry.Tenant == "" {
		return errors.NewInvalidInputError("tenant is required")
	}
	if entry.Name == "" {
		return errors.NewInvalidInputError("name is required")
	}
	if entry.URL == "" {
		return errors.NewInvalidInputError("url is required")
	}

	if entry.Method == "" {
		entry.Method = "POST"
	}
	if !schedule.AllowedMethods[entry.Method] {
		return errors.NewInvalidInputError("method %q is not allowed", entry.Method)
	}

	guard := httpclient.New(httpclient.Options{AllowPrivate: seedAllowPrivate})
	if err := guard.CheckURL(entry.URL); err != nil {
		return errors.Wrapf(errors.ErrInvalidInput, "url rejected: %v", err)
	}

	if entry.Cron != nil && entry.IntervalMs != nil {
		return errors.NewInvalidInputError("cron and interval_ms are mutually exclusive; set one")
	}
	if entry.Cron != nil {
		if err := schedule.ValidateCron(*entry.Cron); err != nil {
			return err
		}
	}
	if entry.IntervalMs != nil && *entry.IntervalMs <= 0 {
		return errors.NewInvalidInputError("interval_ms must be positive, got %d", *entry.IntervalMs)
	}

	if entry.MinIntervalMs != nil && *entry.MinIntervalMs <= 0 {
		return errors.NewInvalidInputError("min_interval_ms must be positive")
	}
	if entry.MaxIntervalMs != nil && *entry.MaxIntervalMs <= 0 {
		return errors.NewInvalidInputError("max_interval_ms must be positive")
	}
	if entry.MinIntervalMs != nil && entry.MaxIntervalMs != nil && *entry.MinIntervalMs > *entry.MaxIntervalMs {
		return errors.NewInvalidInputError("min_interval_ms (%d) exceeds max_interval_ms (%d)",
			*entry.MinIntervalMs, *entry.MaxIntervalMs)
	}

	return nil
}

func (entry *seedEndpoint) toEndpoint() *schedule.Endpoint {
	return &schedule.Endpoint{
		ID:                 newEndpointID(),
		TenantID:           entry.Tenant,
		JobID:              entry.Job,
		Name:               entry.Name,
		Description:        entry.Description,
		URL:                entry.URL,
		Method:             entry.Method,
		HeadersJSON:        entry.HeadersJSON,
		BodyJSON:           entry.BodyJSON,
		BodySchema:         entry.BodySchema,
		BaselineCron:       entry.Cron,
		BaselineIntervalMs: entry.IntervalMs,
		MinIntervalMs:      entry.MinIntervalMs,
		MaxIntervalMs:      entry.MaxIntervalMs,
		TimeoutMs:          entry.TimeoutMs,
		MaxExecutionTimeMs: entry.MaxExecutionTimeMs,
		MaxResponseSizeKb:  entry.MaxResponseSizeKb,
	}
}
