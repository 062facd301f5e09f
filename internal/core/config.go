package core

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to any of the
// server's components.
type Config struct {
	// Hostname or IP address on which the servers will listen for connections.
	Hostname string `mapstructure:"hostname"`

	Logging struct {
		// Full path to file to which logs will be written. Blank will write to stdout.
		LogFilePath string `mapstructure:"log_file_path"`
		// Minimum level of a log required to be written. Options: debug, info, warn, error
		LogLevel string `mapstructure:"log_level"`
	} `mapstructure:"logging"`

	RFBServer struct {
		// Port on which the RFB server will listen for raw TCP connections.
		Port int `mapstructure:"port"`
		// Port on which the RFB server will accept websocket connections
		// (for browser-based clients). Zero disables the listener.
		WebsocketPort int `mapstructure:"websocket_port"`
		// Maximum number of concurrent connections the server will allow.
		MaxConnections int `mapstructure:"max_connections"`
	} `mapstructure:"rfb_server"`

	Framebuffer struct {
		// Dimensions advertised to clients in the ServerInit message.
		Width  int `mapstructure:"width"`
		Height int `mapstructure:"height"`
		// Desktop name advertised to clients.
		Name string `mapstructure:"name"`
	} `mapstructure:"framebuffer"`

	Database struct {
		// Hostname of the Postgres database instance.
		Host string `mapstructure:"host"`
		// Port on db_host on which the Postgres instance is accepting connections.
		Port int `mapstructure:"port"`
		// Name of the database in Postgres holding the account data.
		Name string `mapstructure:"name"`
		// Username and password of a user with full RW privileges to ${db_name}.
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		// Set to verify-full if the Postgres instance supports SSL.
		SSLMode string `mapstructure:"disable"`
	} `mapstructure:"database"`

	Auth struct {
		// Authentication methods offered to clients, in the order they will
		// be advertised. Options: none, logon, token
		Methods []string `mapstructure:"methods"`
		// How long an issued single-use token remains redeemable.
		TokenTTL time.Duration `mapstructure:"token_ttl"`
	} `mapstructure:"auth"`

	AccessControl struct {
		// Decision policy applied after authentication. Options: accept_all,
		// reject_all, rules
		Policy string `mapstructure:"policy"`
		// Rule sets consulted by the rules policy. An empty set matches everything.
		AllowedUsers []string `mapstructure:"allowed_users"`
		AllowedHosts []string `mapstructure:"allowed_hosts"`
		// How long a decision for a username/host pair is reused before the
		// policy is consulted again.
		CacheTTL time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"access_control"`

	Metrics struct {
		// Expose Prometheus metrics over HTTP.
		Enabled bool `mapstructure:"enabled"`
		// Port on which the metrics endpoint will be served.
		Port int `mapstructure:"port"`
	} `mapstructure:"metrics"`

	Debugging struct {
		// Enable extra info-providing mechanisms for the server.
		PprofEnabled bool `mapstructure:"pprof_enabled"`
		// Port on which a pprof server will be started if debug mode is enabled.
		PprofPort int `mapstructure:"pprof_port"`
		// Dump per-connection handshake state transitions to the log.
		HandshakeLoggingEnabled bool `mapstructure:"handshake_logging_enabled"`
		// Enable database-level query logging.
		DatabaseLoggingEnabled bool `mapstructure:"database_logging_enabled"`
	} `mapstructure:"debugging"`
}

const envVarPrefix = "VIGIL"

// LoadConfig initializes Viper with the contents of the config file under configPath.
func LoadConfig(configPath string) *Config {
	viper.AddConfigPath(configPath)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix(envVarPrefix)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if errors.Is(err, viper.ConfigFileNotFoundError{}) {
			fmt.Printf("error reading config file: no config file in path %s", configPath)
		} else {
			fmt.Printf("error reading config file: %v", err)
		}
		os.Exit(1)
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, database.host can be set using: <envVarPrefix>_DATABASE_HOST
	for _, k := range viper.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := viper.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			fmt.Printf("error binding %s to %s", k, envVarPrefix+"_"+envVar)
			os.Exit(1)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		fmt.Printf("error unmarshaling config object: %v", err)
		os.Exit(1)
	}
	return config
}

const databaseURITemplate = "host=%s port=%d dbname=%s user=%s password=%s sslmode=%s"

// DatabaseURL returns a database URL generated from the provided config values.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		databaseURITemplate,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Username,
		c.Database.Password,
		c.Database.SSLMode,
	)
}
