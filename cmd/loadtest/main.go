// Command loadtest гоняет сценарии заказа через HTTP API lifecycle-service и
// сводит задержки по шагам.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	idempotencyHeader = "Idempotency-Key"
	actorTypeHeader   = "X-Actor-Type"
	actorIDHeader     = "X-Actor-Id"

	// transportFailure записывается вместо HTTP-кода, если ответа не было.
	transportFailure = "transport_error"
)

type scenario string

const (
	scenarioCreate        scenario = "create"
	scenarioFulfil        scenario = "fulfil"
	scenarioConfirmCancel scenario = "confirm-cancel"
)

var fulfilPath = []string{"confirmed", "processing", "shipped", "delivered"}

// path возвращает переходы, которые сценарий делает после создания заказа.
func (s scenario) path(index, cancelPct int) []string {
	switch s {
	case scenarioFulfil:
		return fulfilPath
	case scenarioConfirmCancel:
		if index%100 < cancelPct {
			return []string{"confirmed", "cancelled"}
		}
		return []string{"confirmed"}
	default:
		return nil
	}
}

func parseScenario(value string) (scenario, error) {
	switch s := scenario(strings.TrimSpace(value)); s {
	case scenarioCreate, scenarioFulfil, scenarioConfirmCancel:
		return s, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

type options struct {
	target     string
	scenario   scenario
	scenarios  int
	limitSet   bool
	runFor     time.Duration
	workers    int
	reqTimeout time.Duration
	cancelPct  int
	prefix     string
	reportPath string
}

// maxScenarios: верхняя граница числа сценариев, 0 - без границы (только по времени).
func (o options) maxScenarios() int {
	if o.runFor > 0 && !o.limitSet {
		return 0
	}
	return o.scenarios
}

func parseOptions(args []string) (options, error) {
	var (
		opts options
		mode string
	)

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.StringVar(&opts.target, "url", "http://localhost:8080", "lifecycle-service HTTP base URL")
	fs.StringVar(&mode, "mode", string(scenarioCreate), "scenario: create | fulfil | confirm-cancel")
	fs.IntVar(&opts.scenarios, "total", 400, "number of scenarios; with -duration acts as an upper bound only when set")
	fs.DurationVar(&opts.runFor, "duration", 0, "run for this long instead of a fixed count")
	fs.IntVar(&opts.workers, "concurrency", 40, "concurrent workers")
	fs.DurationVar(&opts.reqTimeout, "timeout", 5*time.Second, "per-request timeout")
	fs.IntVar(&opts.cancelPct, "cancel-rate", 50, "percent of confirm-cancel scenarios that cancel (0..100)")
	fs.StringVar(&opts.prefix, "id-prefix", "lt", "order id prefix")
	fs.StringVar(&opts.reportPath, "output", "", "write the JSON summary to this file")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	fs.Visit(func(f *flag.Flag) { opts.limitSet = opts.limitSet || f.Name == "total" })

	s, err := parseScenario(mode)
	if err != nil {
		return options{}, err
	}
	opts.scenario = s
	opts.target = strings.TrimRight(strings.TrimSpace(opts.target), "/")

	switch {
	case opts.target == "":
		return options{}, errors.New("url is required")
	case opts.runFor < 0:
		return options{}, errors.New("duration must be >= 0")
	case (opts.runFor == 0 || opts.limitSet) && opts.scenarios <= 0:
		return options{}, errors.New("total must be > 0")
	case opts.workers <= 0:
		return options{}, errors.New("concurrency must be > 0")
	case opts.reqTimeout <= 0:
		return options{}, errors.New("timeout must be > 0")
	case opts.cancelPct < 0 || opts.cancelPct > 100:
		return options{}, errors.New("cancel-rate must be between 0 and 100")
	case strings.TrimSpace(opts.prefix) == "":
		return options{}, errors.New("id-prefix is required")
	}
	return opts, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	client := &http.Client{Transport: &http.Transport{
		MaxIdleConns:        opts.workers,
		MaxIdleConnsPerHost: opts.workers,
		IdleConnTimeout:     30 * time.Second,
	}}
	result := newRunner(opts, client).run(ctx)
	stop()

	logSummary(log.StandardLogger(), result)
	if opts.reportPath != "" {
		if err := writeReport(opts.reportPath, result); err != nil {
			log.WithError(err).Fatal("failed to write report")
		}
	}
	if result.Failed > 0 {
		os.Exit(1)
	}
}

type runner struct {
	client *http.Client
	opts   options
	runID  string
	tally  *tally
}

func newRunner(opts options, client *http.Client) *runner {
	return &runner{
		client: client,
		opts:   opts,
		runID:  fmt.Sprintf("%d-%d", time.Now().UnixNano(), os.Getpid()),
		tally:  newTally(),
	}
}

// run раздаёт сценарии воркерам, пока не исчерпан лимит, не истекло время или
// не отменён ctx. Начатые сценарии доигрываются до конца.
func (r *runner) run(ctx context.Context) summary {
	started := time.Now()
	if r.opts.runFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.runFor)
		defer cancel()
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for range r.opts.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				begin := time.Now()
				err := r.walk(index)
				r.tally.finish(time.Since(begin), err == nil)
			}
		}()
	}

	feed(ctx, jobs, r.opts.maxScenarios())
	wg.Wait()
	return r.tally.summarize(r.opts.scenario, started, time.Since(started))
}

func feed(ctx context.Context, jobs chan<- int, limit int) {
	defer close(jobs)
	for i := 0; limit == 0 || i < limit; i++ {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case jobs <- i:
		}
	}
}

// walk создаёт заказ и проводит его по переходам сценария, останавливаясь на первой ошибке.
func (r *runner) walk(index int) error {
	id := fmt.Sprintf("%s-%s-%d", r.opts.prefix, r.runID, index)
	create := map[string]any{"id": id, "reference": "load-" + strconv.Itoa(index)}
	if err := r.post("create", "/api/v1/orders", create, "lt-create-"+id); err != nil {
		return err
	}
	for _, state := range r.opts.scenario.path(index, r.opts.cancelPct) {
		body := map[string]any{"new_state": state}
		if err := r.post("transition:"+state, "/api/v1/orders/"+id+"/transitions", body, "lt-"+state+"-"+id); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) post(step, path string, body any, key string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.reqTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.opts.target+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(idempotencyHeader, key)
	req.Header.Set(actorTypeHeader, "system")
	req.Header.Set(actorIDHeader, "loadtest")

	begin := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		r.tally.add(step, transportFailure, time.Since(begin), false)
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	ok := resp.StatusCode/100 == 2
	r.tally.add(step, strconv.Itoa(resp.StatusCode), time.Since(begin), ok)
	if !ok {
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	return nil
}

type stepTally struct {
	codes    map[string]int
	failures int
	elapsed  []time.Duration
}

// tally копит задержки по шагам и по сценариям целиком.
type tally struct {
	mu        sync.Mutex
	steps     map[string]*stepTally
	scenarios []time.Duration
	failed    int
}

func newTally() *tally {
	return &tally{steps: make(map[string]*stepTally)}
}

func (t *tally) add(step, code string, elapsed time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.steps[step]
	if st == nil {
		st = &stepTally{codes: make(map[string]int)}
		t.steps[step] = st
	}
	st.codes[code]++
	st.elapsed = append(st.elapsed, elapsed)
	if !ok {
		st.failures++
	}
}

func (t *tally) finish(elapsed time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.scenarios = append(t.scenarios, elapsed)
	if !ok {
		t.failed++
	}
}

// latency в миллисекундах.
type latency struct {
	Mean float64 `json:"mean"`
	P50  float64 `json:"p50"`
	P90  float64 `json:"p90"`
	P99  float64 `json:"p99"`
	Max  float64 `json:"max"`
}

type stepSummary struct {
	Requests int            `json:"requests"`
	Failures int            `json:"failures"`
	Codes    map[string]int `json:"codes"`
	Latency  latency        `json:"latency_ms"`
}

type summary struct {
	Scenario        scenario               `json:"scenario"`
	StartedAt       time.Time              `json:"started_at"`
	ElapsedSeconds  float64                `json:"elapsed_seconds"`
	Scenarios       int                    `json:"scenarios"`
	Failed          int                    `json:"failed"`
	PerSecond       float64                `json:"scenarios_per_second"`
	ScenarioLatency latency                `json:"scenario_latency_ms"`
	Steps           map[string]stepSummary `json:"steps"`
}

func (t *tally) summarize(s scenario, started time.Time, elapsed time.Duration) summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := summary{
		Scenario:        s,
		StartedAt:       started.UTC(),
		ElapsedSeconds:  elapsed.Seconds(),
		Scenarios:       len(t.scenarios),
		Failed:          t.failed,
		ScenarioLatency: summarizeLatency(t.scenarios),
		Steps:           make(map[string]stepSummary, len(t.steps)),
	}
	if elapsed > 0 {
		out.PerSecond = float64(out.Scenarios) / elapsed.Seconds()
	}
	for name, st := range t.steps {
		out.Steps[name] = stepSummary{
			Requests: len(st.elapsed),
			Failures: st.failures,
			Codes:    maps.Clone(st.codes),
			Latency:  summarizeLatency(st.elapsed),
		}
	}
	return out
}

func summarizeLatency(samples []time.Duration) latency {
	if len(samples) == 0 {
		return latency{}
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	return latency{
		Mean: millis(total / time.Duration(len(sorted))),
		P50:  millis(nearestRank(sorted, 50)),
		P90:  millis(nearestRank(sorted, 90)),
		P99:  millis(nearestRank(sorted, 99)),
		Max:  millis(sorted[len(sorted)-1]),
	}
}

// nearestRank ожидает непустой отсортированный срез.
func nearestRank(sorted []time.Duration, pct float64) time.Duration {
	rank := int(math.Ceil(pct / 100 * float64(len(sorted))))
	return sorted[min(max(rank, 1), len(sorted))-1]
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func logSummary(logger *log.Logger, s summary) {
	logger.WithFields(log.Fields{
		"mode":       s.Scenario,
		"scenarios":  s.Scenarios,
		"failed":     s.Failed,
		"elapsed_s":  fmt.Sprintf("%.2f", s.ElapsedSeconds),
		"per_second": fmt.Sprintf("%.2f", s.PerSecond),
		"p50_ms":     s.ScenarioLatency.P50,
		"p99_ms":     s.ScenarioLatency.P99,
		"max_ms":     s.ScenarioLatency.Max,
	}).Info("load test finished")

	for _, name := range slices.Sorted(maps.Keys(s.Steps)) {
		st := s.Steps[name]
		logger.WithFields(log.Fields{
			"step":     name,
			"requests": st.Requests,
			"failures": st.Failures,
			"p90_ms":   st.Latency.P90,
			"codes":    st.Codes,
		}).Info("step summary")
	}
}

// writeReport принимает абсолютный путь или путь внутри текущего каталога.
func writeReport(path string, s summary) error {
	clean := filepath.Clean(path)
	if clean == "." || strings.HasSuffix(clean, string(filepath.Separator)) {
		return errors.New("output path must point to a file")
	}
	if !filepath.IsAbs(clean) && !filepath.IsLocal(clean) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(clean, append(data, '\n'), 0o600)
}
