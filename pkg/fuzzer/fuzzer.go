// Package fuzzer generates adversarial requests for every operation of
// an OpenAPI document, sends them against a live deployment and records
// any response status the caller did not list as acceptable.
package fuzzer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/google/uuid"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"github.com/oasfuzz/oasfuzz/internal/store"
)

// StatusTransportError marks trials that never produced an HTTP
// response: timeouts, refused connections, malformed replies.
const StatusTransportError = 599

const maxBodyBytes = 1 << 20

// Doer issues a single HTTP request. *http.Client satisfies it; tests
// substitute their own.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fuzzer drives the operation and trial loop for one document.
type Fuzzer struct {
	doc     *openapi3.Swagger
	cfg     Config
	ops     []Operation
	sampler *Sampler
	results *store.Store
	stats   *RunStats
	ignore  map[int]bool
	logger  *zap.Logger
	runID   string
	seed    int64

	// Client sends the built requests. Swap it before Run to
	// intercept traffic.
	Client Doer
}

// RunReport summarizes one finished, or cancelled, run.
type RunReport struct {
	RunID           string
	Seed            int64
	Operations      int
	Trials          int
	Findings        int
	TransportErrors int
	Elapsed         time.Duration
}

// New prepares a run for an already resolved document (see LoadSpec).
// The configuration is normalized in place of the caller's copy; a nil
// logger disables logging.
func New(doc *openapi3.Swagger, cfg Config, logger *zap.Logger) (*Fuzzer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}

	ops := Operations(doc)
	if len(ops) == 0 {
		return nil, errors.New("document declares no operations")
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	results, err := store.Open(cfg.ResultsDir)
	if err != nil {
		return nil, err
	}

	ignore := make(map[int]bool, len(cfg.IgnoreCodes))
	for _, code := range cfg.IgnoreCodes {
		ignore[code] = true
	}

	f := &Fuzzer{
		doc:     doc,
		cfg:     cfg,
		ops:     ops,
		sampler: NewSampler(seed),
		results: results,
		ignore:  ignore,
		logger:  logger,
		runID:   uuid.New().String(),
		seed:    seed,
		Client:  &http.Client{Timeout: cfg.timeout()},
	}
	if cfg.StatsDir != "" {
		f.stats = NewRunStats(f.runID)
	}
	return f, nil
}

// Operations returns the enumerated operations in execution order.
func (f *Fuzzer) Operations() []Operation {
	return f.ops
}

// Run executes up to MaxTrials trials against every operation in turn,
// strictly sequentially. Cancellation is honored at the top of the
// trial loop; findings persisted before that point stay on disk and the
// returned report is valid either way.
func (f *Fuzzer) Run(ctx context.Context) (*RunReport, error) {
	report := &RunReport{RunID: f.runID, Seed: f.seed, Operations: len(f.ops)}
	start := time.Now()

	title := ""
	if f.doc.Info != nil {
		title = f.doc.Info.Title
	}
	f.logger.Info("starting run",
		zap.String("run_id", f.runID),
		zap.String("title", title),
		zap.String("base_url", f.cfg.BaseURL),
		zap.Int("operations", len(f.ops)),
		zap.Int("trials_per_operation", f.cfg.MaxTrials),
		zap.Int64("seed", f.seed),
	)

	var runErr error
loop:
	for i := range f.ops {
		for trial := 0; trial < f.cfg.MaxTrials; trial++ {
			select {
			case <-ctx.Done():
				runErr = ctx.Err()
				break loop
			default:
			}
			f.runTrial(ctx, &f.ops[i], trial, report)
		}
	}

	report.Elapsed = time.Since(start)
	if err := f.stats.Flush(f.cfg.StatsDir); err != nil {
		f.logger.Warn("stats flush failed", zap.String("dir", f.cfg.StatsDir), zap.Error(err))
	}
	f.logger.Info("run finished",
		zap.Int("trials", report.Trials),
		zap.Int("findings", report.Findings),
		zap.Int("transport_errors", report.TransportErrors),
		zap.Duration("elapsed", report.Elapsed),
	)
	return report, runErr
}

func (f *Fuzzer) runTrial(ctx context.Context, op *Operation, trial int, report *RunReport) {
	payload := f.sampler.Payload(op)
	slug := opSlug(op.Method, op.Path)

	status := StatusTransportError
	var resBody []byte
	rendered := ""

	req, err := BuildRequest(f.cfg.BaseURL, op.Method, op.Path, payload, f.cfg.Headers)
	if err != nil {
		// Sampled values can render the target unparseable; that is
		// a transport-class outcome, not a crash.
		resBody = []byte(err.Error())
		report.TransportErrors++
		f.stats.Record(slug, 0)
	} else {
		req = req.WithContext(ctx)
		rendered = req.Method + " " + req.URL.String()
		sent := time.Now()
		res, derr := f.Client.Do(req)
		f.stats.Record(slug, time.Since(sent))
		if derr != nil {
			resBody = []byte(derr.Error())
			report.TransportErrors++
		} else {
			status = res.StatusCode
			resBody, _ = io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
			res.Body.Close()
		}
	}
	report.Trials++

	if !f.isFinding(op, status) {
		f.logger.Debug("trial",
			zap.String("op", op.ID()),
			zap.Int("trial", trial),
			zap.Int("status", status),
		)
		return
	}
	report.Findings++
	f.saveFinding(op, trial, status, payload, rendered, resBody)
}

// isFinding applies the acceptance policy: the caller's ignore list is
// authoritative, and document-declared codes only count when the run
// opted in. Transport failures count only when NetFindings is set.
func (f *Fuzzer) isFinding(op *Operation, status int) bool {
	if status == StatusTransportError && !f.cfg.NetFindings {
		return false
	}
	if f.ignore[status] {
		return false
	}
	if f.cfg.IgnoreDeclared && op.Declares(status) {
		return false
	}
	return true
}

func (f *Fuzzer) saveFinding(op *Operation, trial int, status int, payload *Payload, rendered string, resBody []byte) {
	result := &FuzzResult{Path: op.Path, Method: op.Method, Payload: payload}
	encoded, err := result.Encode()
	if err != nil {
		f.logger.Warn("finding not encodable", zap.String("op", op.ID()), zap.Error(err))
		return
	}

	name := fmt.Sprintf("%s-%d.json", opSlug(op.Method, op.Path), trial)
	location, err := f.results.Put(name, encoded)
	if err != nil {
		// The in-memory copy is kept; only the mirror write failed.
		f.logger.Warn("finding not persisted", zap.String("file", location), zap.Error(err))
	}
	f.describe(name, "code", []byte(strconv.Itoa(status)))
	f.describe(name, "timestamp", []byte(time.Now().Format("20060102 150405")))
	if rendered != "" {
		f.describe(name, "request", []byte(rendered))
	}
	f.describe(name, "response", resBody)

	f.logger.Warn("finding",
		zap.String("op", op.ID()),
		zap.Int("trial", trial),
		zap.Int("status", status),
		zap.String("detail", errorDetail(resBody)),
		zap.String("file", location),
	)
}

func (f *Fuzzer) describe(name string, typ string, desc []byte) {
	if err := f.results.Describe(name, typ, desc); err != nil {
		f.logger.Warn("description not persisted", zap.String("file", name+"."+typ), zap.Error(err))
	}
}

// opSlug flattens method and path into a stable file name stem, e.g.
// "GET /pets/{petId}" becomes "GET-pets-{petId}". Literal "%" and "-"
// are escaped before the "/" substitution so two different templates can
// never share a stem.
func opSlug(method string, path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		trimmed = "root"
	}
	trimmed = strings.ReplaceAll(trimmed, "%", "%25")
	trimmed = strings.ReplaceAll(trimmed, "-", "%2D")
	return method + "-" + strings.ReplaceAll(trimmed, "/", "-")
}

// errorDetail pulls a human-readable hint out of a JSON error body when
// one of the usual fields is present.
func errorDetail(body []byte) string {
	v, err := fastjson.ParseBytes(body)
	if err != nil {
		return ""
	}
	for _, key := range []string{"message", "error", "detail", "title"} {
		if s := v.GetStringBytes(key); len(s) > 0 {
			return string(s)
		}
	}
	if s := v.GetStringBytes("error", "message"); len(s) > 0 {
		return string(s)
	}
	return ""
}
