package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	funnel "github.com/tom2tomtomtom/airflow-sub008"
)

type loadtestOptions struct {
	sessions    int
	concurrency int
	users       int
	failureRate float64
	abandonRate float64
	seed        int64
	tee         string
}

func newLoadtestCommand(root *rootOptions) *cobra.Command {
	opts := loadtestOptions{}

	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Drive synthetic workflow sessions through the engine and report latency",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}

			var tee *teeFile
			so := sessionOptions{allowEmbedded: true}
			if opts.tee != "" {
				t, err := openTee(opts.tee)
				if err != nil {
					return err
				}
				tee = t
				so.sink = t.sink
			}

			s, err := openSession(root, so)
			if err != nil {
				if tee != nil {
					_ = tee.Close()
				}
				return err
			}

			out := cmd.OutOrStdout()
			if s.embedded {
				fmt.Fprintf(out, "using miniredis at %s\n", s.addr)
			} else {
				fmt.Fprintf(out, "using redis at %s\n", s.addr)
			}
			runErr := runLoadtest(commandContext(cmd), out, s.engine, opts)

			// Close drains the sink before the tee file is flushed.
			s.close()
			if tee == nil {
				return runErr
			}
			if err := tee.Close(); err != nil && runErr == nil {
				runErr = fmt.Errorf("tee: %w", err)
			}
			fmt.Fprintf(out, "tee: wrote %d records to %s (failed=%d dropped=%d)\n",
				tee.sink.Written(), opts.tee, tee.sink.Failed(), s.engine.SinkDropped())
			return runErr
		},
	}

	cmd.Flags().IntVar(&opts.sessions, "sessions", 1000, "number of synthetic workflow sessions")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 32, "number of concurrent workers")
	cmd.Flags().IntVar(&opts.users, "users", 100, "number of distinct synthetic users")
	cmd.Flags().Float64Var(&opts.failureRate, "failure-rate", 0.05, "probability that a step completion fails")
	cmd.Flags().Float64Var(&opts.abandonRate, "abandon-rate", 0.3, "probability that a session is abandoned before the last step")
	cmd.Flags().Int64Var(&opts.seed, "seed", 0, "random seed (0 uses the current time)")
	cmd.Flags().StringVar(&opts.tee, "tee", "", "also write every committed record to this file as JSON lines")
	return cmd
}

func (o loadtestOptions) validate() error {
	if o.sessions <= 0 || o.concurrency <= 0 || o.users <= 0 {
		return errors.New("sessions, concurrency, and users must be > 0")
	}
	if o.failureRate < 0 || o.failureRate > 1 || o.abandonRate < 0 || o.abandonRate > 1 {
		return errors.New("failure-rate and abandon-rate must be within [0, 1]")
	}
	return nil
}

// teeFile is a buffered JSON-lines record sink backed by a file.
type teeFile struct {
	file *os.File
	buf  *bufio.Writer
	sink *funnel.JSONWriterSink
}

func openTee(path string) (*teeFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open tee file: %w", err)
	}
	buf := bufio.NewWriter(f)
	return &teeFile{
		file: f,
		buf:  buf,
		sink: funnel.NewJSONWriterSink(buf),
	}, nil
}

func (t *teeFile) Close() error {
	return errors.Join(t.buf.Flush(), t.file.Close())
}

func runLoadtest(ctx context.Context, out io.Writer, engine *funnel.Engine, opts loadtestOptions) error {
	steps := engine.Config().Funnel.Steps
	seed := opts.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	var (
		wg        sync.WaitGroup
		cursor    int64
		completed int64
		abandoned int64
		latencies = newLatencyRecorder()
		mu        sync.Mutex
	)

	rangeStart := time.Now().UTC()
	start := time.Now()
	for w := 0; w < opts.concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed + int64(worker)*7919))
			local := newLatencyRecorder()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= opts.sessions {
					break
				}
				if runSession(ctx, engine, steps, r, opts, i, local) {
					atomic.AddInt64(&completed, 1)
				} else {
					atomic.AddInt64(&abandoned, 1)
				}
			}
			mu.Lock()
			latencies.merge(local)
			mu.Unlock()
		}(w)
	}
	wg.Wait()
	total := time.Since(start)

	fmt.Fprintf(out, "sessions: completed=%d abandoned=%d\n", completed, abandoned)
	fmt.Fprintln(out, "---- results ----")
	printStats(out, total, latencies)

	analytics, err := engine.GetWorkflowAnalytics(ctx, rangeStart, time.Now().UTC(), "")
	if err != nil {
		return fmt.Errorf("analytics: %w", err)
	}
	fmt.Fprintf(out, "analytics: sessions=%d completed=%d completion_rate=%.3f records=%d durable=%t\n",
		analytics.TotalSessions,
		analytics.CompletedWorkflows,
		analytics.CompletionRate,
		analytics.RecordCount,
		analytics.DurableAvailable,
	)

	status := engine.GetRealTimeStatus(ctx)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}

// runSession walks one synthetic session through the funnel and reports
// whether it reached workflow completion. Every tracking call is timed into
// latencies under its action.
func runSession(
	ctx context.Context,
	engine *funnel.Engine,
	steps []funnel.Step,
	r *rand.Rand,
	opts loadtestOptions,
	n int,
	latencies *latencyRecorder,
) bool {
	userID := fmt.Sprintf("user-%d", n%opts.users)
	sessionID := fmt.Sprintf("session-%d", n)

	abandonAt := -1
	if len(steps) > 1 && r.Float64() < opts.abandonRate {
		abandonAt = r.Intn(len(steps) - 1)
	}

	sessionStart := time.Now()
	for i, step := range steps {
		latencies.track(funnel.ActionStepStart, false, func() {
			engine.TrackStepStart(ctx, userID, sessionID, step, nil)
		})

		if strings.HasSuffix(string(step), "_generation") {
			tokens := 200 + r.Intn(1800)
			aiOK := r.Float64() >= opts.failureRate
			op := funnel.AIOperation{
				UserID:     userID,
				SessionID:  sessionID,
				Operation:  string(step),
				Service:    "openai",
				Model:      "gpt-4o",
				TokensUsed: tokens,
				Cost:       float64(tokens) * 0.00001,
				Duration:   time.Duration(100+r.Intn(900)) * time.Millisecond,
				Success:    aiOK,
			}
			if !aiOK {
				op.ErrorMessage = "synthetic model error"
			}
			latencies.track(funnel.ActionAIOperation, !aiOK, func() {
				engine.TrackAIOperation(ctx, op)
			})
		}

		success := r.Float64() >= opts.failureRate
		errorMessage := ""
		if !success {
			errorMessage = "synthetic failure"
		}
		latencies.track(funnel.ActionStepCompletion, !success, func() {
			engine.TrackStepCompletion(ctx, userID, sessionID, step, success, errorMessage, nil)
		})

		if i == abandonAt {
			latencies.track(funnel.ActionWorkflowAbandoned, false, func() {
				engine.TrackWorkflowAbandonment(ctx, userID, sessionID, step, "synthetic abandonment")
			})
			return false
		}
	}

	latencies.track(funnel.ActionWorkflowCompletion, false, func() {
		engine.TrackWorkflowCompletion(ctx, userID, sessionID, time.Since(sessionStart), nil)
	})
	return true
}
