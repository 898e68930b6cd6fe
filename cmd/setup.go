package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/upwork-harvester/internal/ai"
	"github.com/spigell/upwork-harvester/internal/ai/gemini"
	"github.com/spigell/upwork-harvester/internal/jobs"
	"github.com/spigell/upwork-harvester/internal/logger"
	"github.com/spigell/upwork-harvester/internal/normalize"
	"github.com/spigell/upwork-harvester/internal/pipeline"
	"github.com/spigell/upwork-harvester/internal/profile"
	"github.com/spigell/upwork-harvester/internal/secrets"
	"github.com/spigell/upwork-harvester/internal/store"
	"github.com/spigell/upwork-harvester/internal/taxonomy"
	"github.com/spigell/upwork-harvester/internal/upwork"
)

const tokenHint = "set UPWORK_TOKEN_FILE environment variable or the 'token-file' key in the configuration file"

// app wiring shared by the commands.
type deps struct {
	config   *Config
	logger   *zap.Logger
	store    store.Store
	client   *upwork.Client
	taxonomy *taxonomy.Cache
}

// setup builds the logger, reads the config and opens the store. The caller
// closes the store.
func setup() *deps {
	lg, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		lg.Fatal("getting a config", zap.Error(err))
	}
	if config == nil {
		config = &Config{}
	}

	// do not bother error since there is a valid parseable config
	pretty, _ := json.MarshalIndent(redacted(*config), "", "  ")
	lg.Debug(fmt.Sprintf("starting with config: \n %s", pretty))

	st, err := store.NewSQLiteStore(config.Database, lg)
	if err != nil {
		lg.Fatal("opening the job store", zap.String("database", config.Database), zap.Error(err))
	}

	client := upwork.New(lg, secrets.Credentials{
		Token:  secrets.Source{Name: "upwork token", Value: config.Token, File: config.TokenFile},
		Tenant: secrets.Source{Name: "upwork tenant id", Value: config.TenantID, File: config.TenantIDFile},
	})
	if config.APIURL != "" {
		client.APIURL = config.APIURL
	}
	if config.UserAgent != "" {
		client.UserAgent = config.UserAgent
	}
	client.DefaultTenantID = config.DefaultTenantID

	ttl := taxonomy.DefaultTTL
	if config.Taxonomy != nil && config.Taxonomy.TTL > 0 {
		ttl = config.Taxonomy.TTL
	}

	return &deps{
		config:   config,
		logger:   lg,
		store:    st,
		client:   client,
		taxonomy: taxonomy.New(client, ttl, nil, lg),
	}
}

func (d *deps) close() {
	if err := d.store.Close(); err != nil {
		d.logger.Warn("closing the job store", zap.Error(err))
	}
	_ = d.logger.Sync()
}

// exit is swapped in tests.
var exit = os.Exit

// fatal logs msg, closes the store, flushes the logger and exits with 1.
// Unlike zap's Fatal it does not skip the cleanup.
func (d *deps) fatal(msg string, fields ...zap.Field) {
	d.logger.Error(msg, fields...)
	d.close()
	exit(1)
}

func (d *deps) pipeline() *pipeline.Pipeline {
	return pipeline.New(
		d.client,
		d.taxonomy,
		normalize.New(d.taxonomy, d.config.MarketplaceURL),
		d.store,
		pipeline.Options{
			Concurrency: d.config.Concurrency,
			Workers:     d.config.Workers,
			MaxPages:    d.config.MaxPages,
			Retry:       d.config.Retry,
		},
		d.logger,
	)
}

func (d *deps) aiEnabled() bool {
	return d.config.AI != nil && d.config.AI.Enabled
}

// scorer returns the configured scorer, or the no-op one when AI is disabled.
func (d *deps) scorer(ctx context.Context) (ai.Scorer, error) {
	if !d.aiEnabled() {
		return ai.NewNopScorer(), nil
	}

	switch provider := strings.ToLower(strings.TrimSpace(d.config.AI.Provider)); provider {
	case "", "gemini":
		cfg := d.config.AI.Gemini
		if cfg == nil {
			cfg = &GeminiConfig{}
		}

		apiKey, err := secrets.Load(secrets.Source{Name: "gemini api key", Value: cfg.APIKey, File: cfg.APIKeyFile})
		if err != nil {
			return nil, err
		}

		generator, err := gemini.NewGenerator(ctx, apiKey, cfg.Model, cfg.MaxRetries, d.logger)
		if err != nil {
			return nil, err
		}
		scorer, err := gemini.NewScorer(generator, d.logger, cfg.MaxLogLength)
		if err != nil {
			return nil, err
		}
		return scorer, nil
	default:
		return nil, fmt.Errorf("unsupported ai provider %q", provider)
	}
}

// scoringInputs loads the profile and the prompt. Both are read on every run so
// edits apply without a restart.
func (d *deps) scoringInputs(ctx context.Context) (jobs.ProfileSummary, *ai.PromptConfig, error) {
	var provider profile.Provider = profile.Static{}
	if d.config.ProfileFile != "" {
		provider = profile.File{Path: d.config.ProfileFile}
	} else if d.aiEnabled() {
		return jobs.ProfileSummary{}, nil, errors.New("profile-file is required when ai is enabled")
	}

	summary, err := provider.Profile(ctx)
	if err != nil {
		return jobs.ProfileSummary{}, nil, err
	}

	promptFile := ""
	if d.config.AI != nil {
		promptFile = d.config.AI.PromptFile
	}
	prompt, err := ai.LoadPromptConfig(promptFile)
	if err != nil {
		return jobs.ProfileSummary{}, nil, err
	}

	return summary, prompt, nil
}

func (d *deps) batchOptions() ai.BatchOptions {
	opts := ai.BatchOptions{Logger: d.logger}
	if d.config.AI != nil {
		opts.FanOut = d.config.AI.FanOut
		opts.BatchTimeout = d.config.AI.BatchTimeout
		opts.ItemTimeout = d.config.AI.ItemTimeout
	}
	return opts
}

func interactive() bool {
	return isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// redacted hides inline secrets before the config is logged.
func redacted(c Config) Config {
	if c.Token != "" {
		c.Token = "***"
	}
	if c.AI != nil && c.AI.Gemini != nil && c.AI.Gemini.APIKey != "" {
		aiCfg := *c.AI
		gem := *aiCfg.Gemini
		gem.APIKey = "***"
		aiCfg.Gemini = &gem
		c.AI = &aiCfg
	}
	return c
}
