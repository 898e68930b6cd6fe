package cmd

import (
	"errors"
	"log"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spigell/upwork-harvester/internal/ai"
	"github.com/spigell/upwork-harvester/internal/normalize"
	"github.com/spigell/upwork-harvester/internal/pipeline"
	"github.com/spigell/upwork-harvester/internal/taxonomy"
	"github.com/spigell/upwork-harvester/internal/upwork"
)

const (
	app = "upwork-harvester"
)

type Config struct {
	APIURL         string `mapstructure:"api-url"`
	MarketplaceURL string `mapstructure:"marketplace-url"`
	UserAgent      string `mapstructure:"user-agent"`
	Token          string `mapstructure:"token"`
	TokenFile      string `mapstructure:"token-file"`
	TenantID       string `mapstructure:"tenant-id"`
	TenantIDFile   string `mapstructure:"tenant-id-file"`
	// DefaultTenantID is used when the account has no organizations to select.
	DefaultTenantID string `mapstructure:"default-tenant-id"`
	Database        string `mapstructure:"database"`

	Searches    []upwork.SearchFilter `mapstructure:"searches"`
	Concurrency int                   `mapstructure:"concurrency"`
	Workers     int                   `mapstructure:"workers"`
	MaxPages    int                   `mapstructure:"max-pages"`
	Retry       pipeline.RetryConfig  `mapstructure:"retry"`
	Taxonomy    *TaxonomyConfig       `mapstructure:"taxonomy"`

	AI          *AIConfig `mapstructure:"ai"`
	ProfileFile string    `mapstructure:"profile-file"`
	Schedule    string    `mapstructure:"schedule"`
}

type TaxonomyConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type AIConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Provider     string        `mapstructure:"provider"`
	FanOut       int           `mapstructure:"fan-out"`
	BatchTimeout time.Duration `mapstructure:"batch-timeout"`
	ItemTimeout  time.Duration `mapstructure:"item-timeout"`
	PromptFile   string        `mapstructure:"prompt-file"`
	Gemini       *GeminiConfig `mapstructure:"gemini"`
}

type GeminiConfig struct {
	APIKey       string `mapstructure:"api-key"`
	APIKeyFile   string `mapstructure:"api-key-file"`
	Model        string `mapstructure:"model"`
	MaxRetries   int    `mapstructure:"max-retries"`
	MaxLogLength int    `mapstructure:"max-log-length"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "upwork-harvester collects Upwork job postings, deduplicates and scores them against your profile",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	for key, env := range map[string]string{
		"token-file":        "UPWORK_TOKEN_FILE",
		"tenant-id":         "UPWORK_TENANT_ID",
		"ai.gemini.api-key": "GEMINI_API_KEY",
	} {
		if err := viper.BindEnv(key, env); err != nil {
			log.Fatalf("binding %s environment variable: %v", env, err)
		}
	}

	viper.SetDefault("marketplace-url", normalize.DefaultMarketplaceURL)
	viper.SetDefault("database", "jobs.db")
	viper.SetDefault("concurrency", pipeline.DefaultConcurrency)
	viper.SetDefault("workers", pipeline.DefaultWorkers)
	viper.SetDefault("taxonomy.ttl", taxonomy.DefaultTTL)
	viper.SetDefault("ai.provider", "gemini")
	viper.SetDefault("ai.fan-out", ai.DefaultFanOut)
	viper.SetDefault("ai.batch-timeout", 10*time.Minute)
	viper.SetDefault("schedule", "@every 1h")

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is upwork-harvester.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")
	rootCmd.PersistentFlags().String("database", "", "path to the SQLite job store")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	viper.BindPFlag("database", rootCmd.PersistentFlags().Lookup("database"))
}

func initConfig() {
	// The version command works without any configuration.
	if versionCmd.CalledAs() != "" {
		return
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app)
		viper.SetConfigType("yaml")
	}

	// A missing default config is fine, everything may come from env and flags.
	// An explicit or broken one is not.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			log.Fatal(err)
		}
	}
}

func getConfig() (*Config, error) {
	var config *Config
	err := viper.Unmarshal(&config)
	if err != nil {
		return config, err
	}

	return config, nil
}
