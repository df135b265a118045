// omada-bridge keeps a TP-Link Omada controller site in sync with Home
// Assistant over MQTT discovery, with an optional InfluxDB writer and a
// diagnostics HTTP API.
//
// Usage:
//
//	omada-bridge [serve]        Poll the controller and run the bridges
//	omada-bridge init [dir]     Write an example config.yaml
//	omada-bridge check          Validate the controller connection once
//	omada-bridge ssids          List the site's SSIDs
//	omada-bridge version        Print version and build information
//	omada-bridge -o json <cmd>  JSON output for check, ssids and version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/omada-bridge/internal/buildinfo"
	"github.com/nugget/omada-bridge/internal/config"
	"github.com/nugget/omada-bridge/internal/integration"
)

// main builds the OS-level environment and hands off to [run], which
// keeps os.Exit, os.Stdout and os.Args out of the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package's globals would keep tests from calling run concurrently.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		case !strings.HasPrefix(args[i], "-"):
			cmdArgs = append(cmdArgs, args[i])
		default:
			return fmt.Errorf("unknown argument: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve", "":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "check":
		return runCheck(ctx, stdout, stderr, configPath, outputFmt)
	case "ssids":
		return runSSIDs(ctx, stdout, stderr, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeIndented(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "omada-bridge - Omada controller bridge for Home Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: omada-bridge [flags] [command]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve       Poll the controller and run the bridges (default)")
	fmt.Fprintln(w, "  init [dir]  Write an example config.yaml (default dir: .)")
	fmt.Fprintln(w, "  check       Validate the controller connection and credentials")
	fmt.Fprintln(w, "  ssids       List the site's SSIDs for options.ssid_filter")
	fmt.Fprintln(w, "  version     Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/omada-bridge/config.yaml, /etc/omada-bridge/config.yaml")
	return nil
}

// checkResult is the outcome of a one-shot setup.
type checkResult struct {
	OK          bool   `json:"ok"`
	Entry       string `json:"entry"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
	Error       string `json:"error,omitempty"`
	Controller  string `json:"controller,omitempty"`
	Version     string `json:"version,omitempty"`
	Devices     int    `json:"devices"`
	Clients     int    `json:"clients"`
	SSIDs       int    `json:"ssids"`
}

// runCheck runs Setup once, the same validation a new site connection
// goes through, and reports the outcome category.
func runCheck(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg)

	integ, err := integration.New(integration.Config{
		Controller: cfg.Controller,
		Options:    cfg.Options,
		Poll:       cfg.Poll,
		Logger:     logger,
	})
	res := checkResult{Entry: integration.EntryID(cfg.Controller.URL, cfg.Controller.Site)}
	if err == nil {
		defer integ.Close()
		err = integ.Setup(ctx)
	}
	if err != nil {
		category := integration.Classify(err)
		var serr *integration.SetupError
		if errors.As(err, &serr) {
			category = serr.Category
		}
		res.Category = string(category)
		res.Description = category.Description()
		res.Error = err.Error()
	} else {
		ctrl := integ.Controller()
		res.OK = true
		res.Controller = ctrl.Name()
		res.Version = ctrl.Version()
		res.Devices = ctrl.Devices.Len()
		res.Clients = ctrl.Clients.Len()
		res.SSIDs = len(ctrl.SSIDs())
	}

	if outputFmt == "json" {
		if werr := writeIndented(stdout, res); werr != nil {
			return werr
		}
	} else if res.OK {
		fmt.Fprintf(stdout, "ok: %s (controller %s, version %s)\n", res.Entry, res.Controller, res.Version)
		fmt.Fprintf(stdout, "  devices: %d, clients: %d, ssids: %d\n", res.Devices, res.Clients, res.SSIDs)
	} else {
		fmt.Fprintf(stdout, "failed: %s: %s\n", res.Category, res.Description)
	}
	if !res.OK {
		return fmt.Errorf("check failed: %w", err)
	}
	return nil
}

// runSSIDs prints the site's SSIDs, one per line, for building the
// ssid_filter option.
func runSSIDs(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	integ, err := integration.New(integration.Config{
		Controller: cfg.Controller,
		Options:    cfg.Options,
		Poll:       cfg.Poll,
		Logger:     newLogger(stderr, cfg),
	})
	if err != nil {
		return err
	}
	defer integ.Close()

	ctrl := integ.Controller()
	for _, step := range []func(context.Context) error{ctrl.Login, ctrl.UpdateSSIDs} {
		stepCtx, cancel := context.WithTimeout(ctx, cfg.Poll.SetupTimeout)
		err := step(stepCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("read SSIDs: %w", err)
		}
	}

	ssids := ctrl.SSIDs()
	if outputFmt == "json" {
		if ssids == nil {
			ssids = []string{}
		}
		return writeIndented(stdout, ssids)
	}
	for _, s := range ssids {
		fmt.Fprintln(stdout, s)
	}
	return nil
}

// newLogger builds the configured logger. Level and format were checked
// by Validate, so parse errors cannot happen here.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}

// loadConfig locates, parses and validates the configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
