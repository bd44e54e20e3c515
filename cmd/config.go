package cmd

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/joescharf/tdd/internal/store"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "tdd"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage tdd configuration.

Every key can also be set through a TDD_MCP_ environment variable, for
example TDD_MCP_SESSION_DIR or TDD_MCP_LOCK_STALE_AFTER.

Running bare 'tdd config' is the same as 'tdd config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check that the effective configuration is usable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configValidateRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# tdd configuration
# See: tdd config show (for effective values and sources)

# Where session records and locks live (file backend)
session_dir: '{{ .SessionDir }}'

# Storage backend: file, sqlite or memory (default: file)
backend: '{{ .Backend }}'

# SQLite database path (sqlite backend only)
db_path: '{{ .DBPath }}'

# Logging: level is debug, info, warn or error; format is json or console.
# Logs always go to stderr so stdout stays free for the MCP transport.
log_level: '{{ .LogLevel }}'
log_format: '{{ .LogFormat }}'

# Name recorded in locks taken by this process
holder_name: '{{ .HolderName }}'

lock:
  # Treat a lock as stale once it is older than this, even if its holder
  # looks alive. 0s relies on the holder process check only.
  stale_after: '{{ .LockStaleAfter }}'

serve:
  # Listen address of 'tdd serve'
  addr: '{{ .ServeAddr }}'
`

type configTemplateData struct {
	SessionDir     string
	Backend        string
	DBPath         string
	LogLevel       string
	LogFormat      string
	HolderName     string
	LockStaleAfter string
	ServeAddr      string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		SessionDir:     viper.GetString("session_dir"),
		Backend:        viper.GetString("backend"),
		DBPath:         viper.GetString("db_path"),
		LogLevel:       viper.GetString("log_level"),
		LogFormat:      viper.GetString("log_format"),
		HolderName:     viper.GetString("holder_name"),
		LockStaleAfter: viper.GetDuration("lock.stale_after").String(),
		ServeAddr:      viper.GetString("serve.addr"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "session_dir", EnvVar: "TDD_MCP_SESSION_DIR"},
	{Key: "backend", EnvVar: "TDD_MCP_BACKEND"},
	{Key: "db_path", EnvVar: "TDD_MCP_DB_PATH"},
	{Key: "log_level", EnvVar: "TDD_MCP_LOG_LEVEL"},
	{Key: "log_format", EnvVar: "TDD_MCP_LOG_FORMAT"},
	{Key: "holder_name", EnvVar: "TDD_MCP_HOLDER_NAME"},
	{Key: "lock.stale_after", EnvVar: "TDD_MCP_LOCK_STALE_AFTER"},
	{Key: "serve.addr", EnvVar: "TDD_MCP_SERVE_ADDR"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-22s %v  %s\n", k.Key, val, source)
	}

	if problems := configProblems(); len(problems) > 0 {
		fmt.Fprintln(ui.Out)
		ui.Warning("%d invalid value(s); run 'tdd config validate' for details", len(problems))
	}
	return nil
}

// configProblems lists every effective setting that the store, logger or
// lock checker would reject.
func configProblems() []string {
	var problems []string

	switch backend := viper.GetString("backend"); backend {
	case store.BackendFile:
		if viper.GetString("session_dir") == "" {
			problems = append(problems, "session_dir: must be set for the file backend")
		}
	case store.BackendSQLite:
		if viper.GetString("db_path") == "" {
			problems = append(problems, "db_path: must be set for the sqlite backend")
		}
	case store.BackendMemory:
	default:
		problems = append(problems, fmt.Sprintf("backend: unknown value %q (want file, sqlite or memory)", backend))
	}

	if _, err := zerolog.ParseLevel(viper.GetString("log_level")); err != nil {
		problems = append(problems, fmt.Sprintf("log_level: %v", err))
	}
	if f := viper.GetString("log_format"); f != "json" && f != "console" {
		problems = append(problems, fmt.Sprintf("log_format: unknown value %q (want json or console)", f))
	}

	raw := viper.GetString("lock.stale_after")
	if d, err := time.ParseDuration(raw); err != nil {
		problems = append(problems, fmt.Sprintf("lock.stale_after: %q is not a duration", raw))
	} else if d < 0 {
		problems = append(problems, "lock.stale_after: must not be negative")
	}

	if _, _, err := net.SplitHostPort(viper.GetString("serve.addr")); err != nil {
		problems = append(problems, fmt.Sprintf("serve.addr: %v", err))
	}
	return problems
}

func configValidateRun() error {
	problems := configProblems()
	if len(problems) == 0 {
		ui.Success("Configuration is valid")
		return nil
	}
	for _, p := range problems {
		ui.Error("%s", p)
	}
	return fmt.Errorf("%d invalid config value(s)", len(problems))
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'tdd config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
