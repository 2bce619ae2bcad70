package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/zsock/arrow"
	"github.com/VanDung-dev/zsock/mq"
)

// StressTestConfig holds configuration for the stress test.
type StressTestConfig struct {
	Endpoint    string
	Concurrency int
	BatchSize   int
	PayloadSize int
	HWM         int
	Duration    time.Duration
	IOThreads   int
	Verbose     bool
	ReportFile  string
}

// StressTestResult holds the results of a stress test.
type StressTestResult struct {
	BatchesSent     int64
	BatchesReceived int64
	WouldBlock      int64
	Failed          int64
	TotalDuration   time.Duration
	AvgLatency      time.Duration
	MinLatency      time.Duration
	MaxLatency      time.Duration
	BatchesPerSec   float64
}

type counters struct {
	sent, received, wouldBlock, failed int64
	totalLatency, minLatency, maxLatency int64
}

func main() {
	config := parseFlags()

	fmt.Println("=== zsock PUSH/PULL Stress Test ===")
	fmt.Printf("Endpoint: %s\n", config.Endpoint)
	fmt.Printf("Concurrency: %d producers\n", config.Concurrency)
	fmt.Printf("Batch: %d probes x %d bytes\n", config.BatchSize, config.PayloadSize)
	fmt.Printf("Duration: %v\n", config.Duration)
	fmt.Println()

	result, err := runStressTest(config)
	if err != nil {
		log.Fatalf("Stress test failed: %v", err)
	}

	printResults(result)

	if config.ReportFile != "" {
		saveReport(config, result)
	}
}

func parseFlags() StressTestConfig {
	config := StressTestConfig{}

	flag.StringVar(&config.Endpoint, "e", "", "Endpoint to bind the collector on (default: unique inproc name)")
	flag.IntVar(&config.Concurrency, "c", 4, "Number of concurrent producers")
	flag.IntVar(&config.BatchSize, "b", 64, "Probes per Arrow batch")
	flag.IntVar(&config.PayloadSize, "s", 128, "Payload bytes per probe")
	flag.IntVar(&config.HWM, "hwm", mq.DefaultHWM, "Send and receive high-water mark")
	flag.DurationVar(&config.Duration, "d", 10*time.Second, "Duration of test")
	flag.IntVar(&config.IOThreads, "io", 1, "Context I/O threads")
	flag.BoolVar(&config.Verbose, "v", false, "Debug logging")
	flag.StringVar(&config.ReportFile, "o", "", "Output report file (JSON)")

	flag.Parse()

	if config.Endpoint == "" {
		config.Endpoint = "inproc://stress-" + uuid.NewString()
	}
	return config
}

func runStressTest(config StressTestConfig) (StressTestResult, error) {
	logger := zap.NewNop()
	if config.Verbose {
		logger, _ = zap.NewDevelopment()
	}

	ctx, err := mq.NewContext(config.IOThreads, mq.WithLogger(logger))
	if err != nil {
		return StressTestResult{}, err
	}
	defer ctx.Terminate(time.Second)

	collector, err := ctx.Socket(mq.Pull)
	if err != nil {
		return StressTestResult{}, err
	}
	defer collector.Close()
	if err := collector.SetOption(mq.OptRecvHWM, config.HWM); err != nil {
		return StressTestResult{}, err
	}
	if err := collector.Bind(config.Endpoint); err != nil {
		return StressTestResult{}, err
	}

	c := &counters{minLatency: 1<<63 - 1}
	stop := make(chan struct{})
	startTime := time.Now()

	var g errgroup.Group
	for i := 0; i < config.Concurrency; i++ {
		workerID := i
		g.Go(func() error { return runProducer(workerID, ctx, collector.LastEndpoint(), config, stop, c) })
	}
	g.Go(func() error { return runCollector(collector, stop, c) })

	time.Sleep(config.Duration)
	close(stop)
	if err := g.Wait(); err != nil {
		return StressTestResult{}, err
	}

	duration := time.Since(startTime)
	received := atomic.LoadInt64(&c.received)

	var avgLatency time.Duration
	if received > 0 {
		avgLatency = time.Duration(atomic.LoadInt64(&c.totalLatency) / received)
	}
	minLat := atomic.LoadInt64(&c.minLatency)
	if received == 0 {
		minLat = 0
	}

	return StressTestResult{
		BatchesSent:     atomic.LoadInt64(&c.sent),
		BatchesReceived: received,
		WouldBlock:      atomic.LoadInt64(&c.wouldBlock),
		Failed:          atomic.LoadInt64(&c.failed),
		TotalDuration:   duration,
		AvgLatency:      avgLatency,
		MinLatency:      time.Duration(minLat),
		MaxLatency:      time.Duration(atomic.LoadInt64(&c.maxLatency)),
		BatchesPerSec:   float64(received) / duration.Seconds(),
	}, nil
}

func runProducer(id int, ctx *mq.Context, endpoint string, config StressTestConfig, stop chan struct{}, c *counters) error {
	push, err := ctx.Socket(mq.Push)
	if err != nil {
		return err
	}
	defer push.Close()
	if err := push.SetOption(mq.OptSendHWM, config.HWM); err != nil {
		return err
	}
	if err := push.SetOption(mq.OptLingerMS, 0); err != nil {
		return err
	}
	if err := push.Connect(endpoint); err != nil {
		return err
	}

	codec := arrow.NewCodec()
	payload := make([]byte, config.PayloadSize)
	probes := make([]arrow.Probe, config.BatchSize)

	for seq := int64(0); ; seq++ {
		select {
		case <-stop:
			return nil
		default:
		}

		now := time.Now()
		for i := range probes {
			probes[i] = arrow.Probe{Seq: seq, SentAt: now, Body: payload}
		}
		record, err := arrow.BuildProbes(nil, probes)
		if err != nil {
			return err
		}
		err = codec.Send(push, mq.DontWait, record)
		record.Release()

		switch {
		case err == nil:
			atomic.AddInt64(&c.sent, 1)
		case mq.IsRetryable(err):
			atomic.AddInt64(&c.wouldBlock, 1)
			// Small sleep on backpressure to avoid spinning
			time.Sleep(time.Millisecond)
		default:
			atomic.AddInt64(&c.failed, 1)
			return fmt.Errorf("producer %d: %w", id, err)
		}
	}
}

func runCollector(pull *mq.Socket, stop chan struct{}, c *counters) error {
	codec := arrow.NewCodec()
	if err := pull.SetOption(mq.OptRecvTimeoutMS, 100); err != nil {
		return err
	}

	for {
		records, err := codec.Recv(pull, 0)
		if err != nil {
			if mq.IsRetryable(err) {
				select {
				case <-stop:
					return nil
				default:
					continue
				}
			}
			if errors.Is(err, arrow.ErrNoRecords) || errors.Is(err, arrow.ErrSchemaMismatch) {
				atomic.AddInt64(&c.failed, 1)
				continue
			}
			return err
		}

		for _, record := range records {
			probes, err := arrow.ReadProbes(record)
			record.Release()
			if err != nil || len(probes) == 0 {
				atomic.AddInt64(&c.failed, 1)
				continue
			}
			recordLatency(c, time.Since(probes[0].SentAt))
		}
	}
}

func recordLatency(c *counters, latency time.Duration) {
	lat := int64(latency)
	atomic.AddInt64(&c.received, 1)
	atomic.AddInt64(&c.totalLatency, lat)
	for {
		old := atomic.LoadInt64(&c.minLatency)
		if lat >= old || atomic.CompareAndSwapInt64(&c.minLatency, old, lat) {
			break
		}
	}
	for {
		old := atomic.LoadInt64(&c.maxLatency)
		if lat <= old || atomic.CompareAndSwapInt64(&c.maxLatency, old, lat) {
			break
		}
	}
}

func printResults(result StressTestResult) {
	fmt.Println("=== Results ===")
	fmt.Printf("Duration:        %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Batches Sent:    %d\n", result.BatchesSent)
	fmt.Printf("Batches Recv:    %d\n", result.BatchesReceived)
	fmt.Printf("Would Block:     %d\n", result.WouldBlock)
	fmt.Printf("Failed:          %d\n", result.Failed)
	fmt.Printf("Batches/sec:     %.2f\n", result.BatchesPerSec)
	fmt.Printf("Avg Latency:     %v\n", result.AvgLatency.Round(time.Microsecond))
	fmt.Printf("Min Latency:     %v\n", result.MinLatency.Round(time.Microsecond))
	fmt.Printf("Max Latency:     %v\n", result.MaxLatency.Round(time.Microsecond))
}

func saveReport(config StressTestConfig, result StressTestResult) {
	report := map[string]interface{}{
		"config": map[string]interface{}{
			"endpoint":     config.Endpoint,
			"concurrency":  config.Concurrency,
			"batch_size":   config.BatchSize,
			"payload_size": config.PayloadSize,
			"hwm":          config.HWM,
			"duration":     config.Duration.String(),
		},
		"results": map[string]interface{}{
			"batches_sent":     result.BatchesSent,
			"batches_received": result.BatchesReceived,
			"would_block":      result.WouldBlock,
			"failed":           result.Failed,
			"batches_per_sec":  result.BatchesPerSec,
			"avg_latency_ms":   float64(result.AvgLatency.Microseconds()) / 1000,
			"min_latency_ms":   float64(result.MinLatency.Microseconds()) / 1000,
			"max_latency_ms":   float64(result.MaxLatency.Microseconds()) / 1000,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	data, _ := json.MarshalIndent(report, "", "  ")
	if err := os.WriteFile(config.ReportFile, data, 0644); err != nil {
		log.Printf("Failed to write report: %v", err)
	} else {
		fmt.Printf("Report saved to: %s\n", config.ReportFile)
	}
}
