package send

import (
	"encoding/csv"
	"errors"
	"fmt"
	"github.com/ValentinKolb/smtc/cmd/util"
	"github.com/ValentinKolb/smtc/rpc/client"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"math"
	"os"
	"strconv"
	"testing"
	"time"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for the send path",
		Long:    "Measures how fast messages can be queued and how fast the send roles move them to the receive service.",
		Args:    cobra.NoArgs,
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfNumThreads = 10
	perfType       uint16
	perfSizes      = []int{16, 1024}
)

func init() {
	key := "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of producer goroutines to use for the benchmark"))
	key = "type"
	perfTestCmd.Flags().Uint16(key, 1, util.WrapString("Message type of the test messages"))
	key = "sizes"
	perfTestCmd.Flags().IntSlice(key, perfSizes, util.WrapString("Payload sizes in bytes, one benchmark per size"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfNumThreads = viper.GetInt("threads")
	perfType = uint16(viper.GetUint("type"))
	perfSizes = viper.GetIntSlice("sizes")
	return nil
}

// perfResult combines the benchmark result with the meters recorded during the run
type perfResult struct {
	size      int
	bench     testing.BenchmarkResult
	rate      float64
	full      int64
	latency99 float64
	latencyMu float64
	sent      int64
	dropped   int64
}

func runPerf(_ *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for the send path")

	fmt.Println()
	fmt.Println("Configuration:")
	conf := cli.Config()
	fmt.Println(conf.String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	fmt.Println("starting tests...")

	results := make([]perfResult, 0, len(perfSizes))
	for _, size := range perfSizes {
		r := benchmarkSize(size)
		results = append(results, r)
		printResult(r)
	}

	if path := viper.GetString("csv"); path != "" {
		if err := writeResultsToCSV(path, results); err != nil {
			return err
		}
		fmt.Printf("results written to %s\n", path)
	}
	return nil
}

func benchmarkSize(size int) perfResult {
	payload := make([]byte, size)
	meter := metrics.NewMeter()
	defer meter.Stop()
	full := metrics.NewCounter()
	latency := metrics.NewHistogram(metrics.NewUniformSample(4096))

	before := cli.Stats()

	bench := testing.Benchmark(func(b *testing.B) {
		b.SetParallelism(perfNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				start := time.Now()
				err := cli.Send(perfType, payload)
				latency.Update(time.Since(start).Nanoseconds())
				switch {
				case err == nil:
					meter.Mark(1)
				case errors.Is(err, client.ErrQueueFull):
					full.Inc(1)
				default:
					b.Errorf("(send-%d) - error sending: %v", size, err)
				}
			}
		})
	})

	drain(viper.GetDuration("wait"))
	after := cli.Stats()

	snap := latency.Snapshot()
	return perfResult{
		size:      size,
		bench:     bench,
		rate:      meter.RateMean(),
		full:      full.Count(),
		latency99: snap.Percentile(0.99),
		latencyMu: snap.Mean(),
		sent:      after.Sent - before.Sent,
		dropped:   after.Dropped - before.Dropped,
	}
}

func printResult(r perfResult) {
	test := fmt.Sprintf("send-%dB", r.size)
	if r.bench.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(r.bench.NsPerOp()), 1)
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
	fmt.Printf("%-20squeued %.0f msg/sec, %d queue full, send latency avg %s p99 %s, sent %d dropped %d\n",
		"", r.rate, r.full, time.Duration(r.latencyMu), time.Duration(r.latency99), r.sent, r.dropped)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results []perfResult) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	conf := cli.Config()
	header := []string{
		"PayloadSize", "NsPerOp", "OpsPerSec", "QueuedPerSec", "QueueFull",
		"LatencyAvgNs", "LatencyP99Ns", "Sent", "Dropped",
		"Endpoint", "SendThreads", "Slots", "SlotSize", "NotifyInterval", "Threads",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for _, r := range results {
		nsPerOp := math.Max(float64(r.bench.NsPerOp()), 1)
		row := []string{
			strconv.Itoa(r.size),
			fmt.Sprintf("%.0f", nsPerOp),
			fmt.Sprintf("%.0f", 1.0/(nsPerOp/1e9)),
			fmt.Sprintf("%.0f", r.rate),
			strconv.FormatInt(r.full, 10),
			fmt.Sprintf("%.0f", r.latencyMu),
			fmt.Sprintf("%.0f", r.latency99),
			strconv.FormatInt(r.sent, 10),
			strconv.FormatInt(r.dropped, 10),
			conf.Endpoint,
			strconv.Itoa(conf.SendThreads),
			strconv.Itoa(conf.Queue.Slots),
			strconv.Itoa(conf.Queue.SlotSize),
			strconv.Itoa(conf.NotifyInterval),
			strconv.Itoa(perfNumThreads),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %v", err)
		}
	}
	return nil
}
