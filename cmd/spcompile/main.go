package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/hurttlocker/spcompile/internal/config"
	"github.com/hurttlocker/spcompile/internal/logging"
	"github.com/hurttlocker/spcompile/internal/store"
)

const version = "0.3.0"

var (
	globalDBPath     string
	globalConfigPath string
	globalLogLevel   string
	globalLogFormat  string
	globalWorkers    string
	globalVerbose    bool
)

func main() {
	args := parseGlobalFlags(os.Args[1:])
	if len(args) < 1 {
		printUsage()
		os.Exit(0)
	}

	var err error
	switch args[0] {
	case "compile":
		err = runCompile(args[1:])
	case "validate":
		err = runValidate(args[1:])
	case "inspect":
		err = runInspect(args[1:])
	case "logprob":
		err = runLogProb(args[1:])
	case "list":
		err = runList(args[1:])
	case "show":
		err = runShow(args[1:])
	case "mcp":
		err = runMCP(args[1:])
	case "version", "--version", "-v":
		fmt.Printf("spcompile %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseGlobalFlags extracts global flags from anywhere in args and returns
// the rest in order.
func parseGlobalFlags(args []string) []string {
	var filtered []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		matched := false
		for _, f := range []struct {
			name string
			dst  *string
		}{
			{"--db", &globalDBPath},
			{"--config", &globalConfigPath},
			{"--log-level", &globalLogLevel},
			{"--log-format", &globalLogFormat},
			{"--workers", &globalWorkers},
		} {
			if arg == f.name && i+1 < len(args) {
				*f.dst = args[i+1]
				i++
				matched = true
				break
			}
			if strings.HasPrefix(arg, f.name+"=") {
				*f.dst = strings.TrimPrefix(arg, f.name+"=")
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		if arg == "--verbose" || arg == "-V" {
			globalVerbose = true
			continue
		}
		filtered = append(filtered, arg)
	}
	return filtered
}

// loadSettings resolves configuration with global flags taking precedence.
// indicators is the compile command's flag value, "" when not given.
func loadSettings(indicators string) (config.Settings, error) {
	resolved, err := config.ResolveConfig(config.ResolveOptions{
		ConfigPath:    globalConfigPath,
		CLIDBPath:     globalDBPath,
		CLIIndicators: indicators,
		CLILogLevel:   globalLogLevel,
		CLILogFormat:  globalLogFormat,
		CLIWorkers:    globalWorkers,
	})
	if err != nil {
		return config.Settings{}, fmt.Errorf("loading config: %w", err)
	}
	s, err := resolved.Settings()
	if err != nil {
		return config.Settings{}, err
	}
	if globalVerbose {
		s.LogLevel = logging.LevelDebug.String()
	}
	return s, nil
}

func newLogger(s config.Settings) *slog.Logger {
	level, err := logging.ParseLevel(s.LogLevel)
	if err != nil {
		level = logging.LevelInfo
	}
	return logging.New(logging.Config{
		Level:   level,
		JSON:    s.LogFormat == "json",
		Output:  os.Stderr,
		Service: "spcompile",
	})
}

func openStore(s config.Settings) (store.Store, error) {
	st, err := store.NewStore(store.StoreConfig{DBPath: s.DBPath})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w\nHint: Verify the DB path is valid and writable (--db or %s)", err, config.EnvDB)
	}
	return st, nil
}

func printUsage() {
	fmt.Printf(`spcompile %s: compile fitted CrossCat models into sum-product circuits

Usage:
  spcompile [global flags] <command> [arguments]

Commands:
  compile <metadata>...        Compile metadata files, ensembles or directories
  validate <metadata>...       Check metadata without writing anything
  inspect <circuit.json>       Show the variables and shape of a circuit
  logprob <circuit> name=value...
                               Marginal log-probability of an assignment
  list                         List circuits in the registry
  show <circuit-id>            Print a stored circuit
  mcp                          Serve the MCP tools over stdio
  version                      Print version

Compile Flags:
  -m, --mapping <file>         Companion mapping (col_name_id_mapping, mapping_table)
  -o, --output <path>          Output file, directory, or - for stdout
  --indicators                 Add cluster-indicator leaves
  --store                      Record models and circuits in the registry
  -r, --recursive              Walk directories recursively

Global Flags:
  --db <path>                  Registry database (env %s)
  --config <path>              Config file (default ~/.spcompile/config.yaml)
  --log-level <level>          debug, info, warn or error
  --log-format <format>        text or json
  --workers <n>                Files compiled in parallel
  -V, --verbose                Debug logging
`, version, config.EnvDB)
}
