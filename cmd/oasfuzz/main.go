package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/oasfuzz/oasfuzz/pkg/fuzzer"
)

const (
	exitClean    = 0
	exitFindings = 1
	exitConfig   = 2
)

const usageText = `oasfuzz fuzzes a live HTTP API using its OpenAPI document.

Usage:

  oasfuzz run -s openapi.yml -u http://localhost:8080 [flags]
  oasfuzz resend -u http://localhost:8080 [flags] results/GET-pets-0.json
  oasfuzz init [path]

Run flags:

  -s path           OpenAPI document
  -u url            base URL of the deployment under test
  -i code           status code to accept, repeatable
  -H 'Name: v'      fixed header, repeatable, overrides sampled ones
  -n count          trials per operation (default 256)
  -o dir            findings directory (default results)
  -stats dir        write per-operation timing CSVs into dir
  -seed n           sampler seed, 0 derives one from the clock
  -timeout secs     request timeout in seconds (default 30)
  -ignore-declared  also accept codes the document declares
  -net-findings     count transport failures as findings
  -config path      YAML run configuration, flags override it
  -debug            verbose logging
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usageText)
		return exitConfig
	}
	switch args[0] {
	case "run":
		return runFuzz(args[1:])
	case "resend":
		return runResend(args[1:])
	case "init":
		return runInit(args[1:])
	case "help", "-h", "--help":
		fmt.Fprint(os.Stderr, usageText)
		return exitClean
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		fmt.Fprint(os.Stderr, usageText)
		return exitConfig
	}
}

func runFuzz(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML run configuration")
	specPath := fs.String("s", "", "OpenAPI document")
	baseURL := fs.String("u", "", "base URL of the deployment under test")
	ignore := codesFlag{}
	fs.Var(&ignore, "i", "status code to accept, repeatable")
	headers := headersFlag{}
	fs.Var(headers, "H", "fixed header as 'Name: value', repeatable")
	trials := fs.Int("n", 0, "trials per operation")
	resultsDir := fs.String("o", "", "findings directory")
	statsDir := fs.String("stats", "", "timing output directory")
	seed := fs.Int64("seed", 0, "sampler seed, 0 derives one from the clock")
	timeout := fs.Int("timeout", 0, "request timeout in seconds")
	ignoreDeclared := fs.Bool("ignore-declared", false, "also accept codes the document declares")
	netFindings := fs.Bool("net-findings", false, "count transport failures as findings")
	debug := fs.Bool("debug", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg := fuzzer.DefaultConfig()
	if *configPath != "" {
		loaded, err := fuzzer.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitConfig
		}
		cfg = loaded
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "s":
			cfg.SpecPath = *specPath
		case "u":
			cfg.BaseURL = *baseURL
		case "i":
			// An explicit flag replaces the configured list.
			cfg.IgnoreCodes = append([]int{}, ignore...)
		case "H":
			for k, v := range headers {
				cfg.Headers[k] = v
			}
		case "n":
			cfg.MaxTrials = *trials
		case "o":
			cfg.ResultsDir = *resultsDir
		case "stats":
			cfg.StatsDir = *statsDir
		case "seed":
			cfg.Seed = *seed
		case "timeout":
			cfg.TimeoutSeconds = *timeout
		case "ignore-declared":
			cfg.IgnoreDeclared = *ignoreDeclared
		case "net-findings":
			cfg.NetFindings = *netFindings
		}
	})
	if cfg.SpecPath == "" || cfg.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "run needs -s and -u, or a -config carrying them")
		return exitConfig
	}

	logger, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	defer logger.Sync()

	doc, err := fuzzer.LoadSpec(cfg.SpecPath)
	if err != nil {
		logger.Error("loading document failed", zap.String("path", cfg.SpecPath), zap.Error(err))
		return exitConfig
	}

	f, err := fuzzer.New(doc, cfg, logger)
	if err != nil {
		logger.Error("configuration rejected", zap.Error(err))
		return exitConfig
	}
	for _, op := range f.Operations() {
		logger.Debug("operation enumerated", zap.String("op", op.ID()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := f.Run(ctx)
	if err != nil {
		logger.Warn("run interrupted", zap.Error(err))
	}

	fmt.Printf("Elapsed time: %ds\n", int(report.Elapsed.Seconds()))
	if report.Findings > 0 {
		return exitFindings
	}
	return exitClean
}

func runResend(args []string) int {
	fs := flag.NewFlagSet("resend", flag.ContinueOnError)
	baseURL := fs.String("u", "", "base URL of the deployment under test")
	headers := headersFlag{}
	fs.Var(headers, "H", "fixed header as 'Name: value', repeatable")
	timeout := fs.Int("timeout", 30, "request timeout in seconds")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *baseURL == "" || fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "resend needs -u and exactly one stored finding")
		return exitConfig
	}

	result, err := fuzzer.LoadResult(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := &http.Client{Timeout: time.Duration(*timeout) * time.Second}
	status, body, err := fuzzer.Resend(ctx, client, *baseURL, result, headers)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	fmt.Fprintf(os.Stderr, "%d %s\n", status, http.StatusText(status))
	fmt.Printf("%s\n", body)
	return exitClean
}

func runInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	out := fs.String("o", "oasfuzz.yml", "where to write the configuration template")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	path := *out
	if fs.NArg() == 1 {
		path = fs.Arg(0)
	}
	if err := fuzzer.WriteConfigTemplate(path); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	fmt.Println("wrote", path)
	return exitClean
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

// codesFlag accumulates repeated -i status codes.
type codesFlag []int

func (f *codesFlag) String() string {
	parts := make([]string, len(*f))
	for i, code := range *f {
		parts[i] = strconv.Itoa(code)
	}
	return strings.Join(parts, ",")
}

func (f *codesFlag) Set(s string) error {
	code, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid status code %q", s)
	}
	*f = append(*f, code)
	return nil
}

// headersFlag accumulates repeated -H "Name: value" headers, keys
// lower-cased.
type headersFlag map[string]string

func (f headersFlag) String() string {
	parts := make([]string, 0, len(f))
	for k, v := range f {
		parts = append(parts, k+": "+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

func (f headersFlag) Set(s string) error {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("header %q is not in 'Name: value' form", s)
	}
	f[strings.ToLower(strings.TrimSpace(parts[0]))] = strings.TrimSpace(parts[1])
	return nil
}
