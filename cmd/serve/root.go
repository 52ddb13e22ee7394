package serve

import (
	"fmt"
	cmdUtil "github.com/ValentinKolb/smtc/cmd/util"
	"github.com/ValentinKolb/smtc/rpc/common"
	"github.com/ValentinKolb/smtc/rpc/server"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a receive service",
		Long:    `Start a receive service with the specified configuration. Every received message is counted per type and reported periodically. The configuration can be set via command line flags or environment variables. The format of the environment variables is SMTC_<flag> (e.g. SMTC_RECV_THREADS=4)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)

	cmdUtil.SetupServiceFlags(ServeCmd, "smtc")
	cmdUtil.SetupSocketFlags(ServeCmd)

	key := "host"
	ServeCmd.PersistentFlags().String(key, common.DefaultHost, cmdUtil.WrapString("Address the listener binds to"))

	key = "port"
	ServeCmd.PersistentFlags().Int(key, 7000, cmdUtil.WrapString("Port the listener binds to, 0 picks a free port"))

	key = "recv-threads"
	ServeCmd.PersistentFlags().Int(key, common.DefaultRecvThreads, cmdUtil.WrapString("Number of receive roles reading from connections"))

	key = "work-threads"
	ServeCmd.PersistentFlags().Int(key, common.DefaultWorkThreads, cmdUtil.WrapString("Number of worker roles running the handlers"))

	key = "queues-per-worker"
	ServeCmd.PersistentFlags().Int(key, common.DefaultQueuesPerWorker, cmdUtil.WrapString("Number of shared queues owned by every worker"))

	key = "slots"
	ServeCmd.PersistentFlags().Int(key, common.DefaultQueueSlots, cmdUtil.WrapString("Number of slots in every queue"))

	key = "slot-size"
	ServeCmd.PersistentFlags().Int(key, common.DefaultSlotSize, cmdUtil.WrapString("Size of one queue slot in bytes, header included. Larger messages close the connection"))

	key = "notify-batch"
	ServeCmd.PersistentFlags().Int(key, common.DefaultNotifyBatch, cmdUtil.WrapString("Notify a worker after this many messages were queued for it"))

	key = "scan-timeout"
	ServeCmd.PersistentFlags().Duration(key, common.DefaultScanTimeout, cmdUtil.WrapString("Upper bound of every event loop wait, queues are swept at least this often"))

	key = "idle-timeout"
	ServeCmd.PersistentFlags().Duration(key, common.DefaultIdleTimeout, cmdUtil.WrapString("Close connections without traffic for this long"))

	key = "report-interval"
	ServeCmd.PersistentFlags().Duration(key, 10*time.Second, cmdUtil.WrapString("Interval of the per-type message report, 0 disables it"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	serveCmdConfig.Name = viper.GetString("name")
	serveCmdConfig.Host = viper.GetString("host")
	serveCmdConfig.Port = viper.GetInt("port")
	serveCmdConfig.RecvThreads = viper.GetInt("recv-threads")
	serveCmdConfig.WorkThreads = viper.GetInt("work-threads")
	serveCmdConfig.QueuesPerWorker = viper.GetInt("queues-per-worker")
	serveCmdConfig.Queue = common.QueueConf{
		Slots:    viper.GetInt("slots"),
		SlotSize: viper.GetInt("slot-size"),
	}
	serveCmdConfig.NotifyBatch = viper.GetInt("notify-batch")
	serveCmdConfig.ScanTimeout = viper.GetDuration("scan-timeout")
	serveCmdConfig.IdleTimeout = viper.GetDuration("idle-timeout")
	serveCmdConfig.CommandDir = viper.GetString("command-dir")
	serveCmdConfig.Socket = cmdUtil.GetSocketConf()
	serveCmdConfig.TCP = cmdUtil.GetTCPConf()
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	if err := common.InitLoggers(serveCmdConfig.LogLevel); err != nil {
		return err
	}
	return serveCmdConfig.Validate()
}

// run starts the receive service and blocks until SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	srv, err := server.New(*serveCmdConfig)
	if err != nil {
		return err
	}
	defer srv.Destroy()

	conf := srv.Config()
	fmt.Println(conf.String())

	counts := xsync.NewMapOf[uint16, *xsync.Counter]()
	count := func(msgType uint16, _ []byte, _ any) error {
		c, _ := counts.LoadOrCompute(msgType, xsync.NewCounter)
		c.Inc()
		return nil
	}
	for t := uint16(0); t < common.TypeMax; t++ {
		if err := srv.Register(t, count, nil); err != nil {
			return err
		}
	}

	if err := srv.Startup(); err != nil {
		return err
	}

	var metricsErr <-chan error
	if addr := viper.GetString("metrics-endpoint"); addr != "" {
		metricsErr = cmdUtil.ServeMetrics(addr, srv.WritePrometheus)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	var tick <-chan time.Time
	if interval := viper.GetDuration("report-interval"); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case s := <-sig:
			fmt.Printf("received %s, shutting down\n", s)
			report(srv, counts)
			return nil
		case err := <-metricsErr:
			return fmt.Errorf("metrics endpoint failed: %w", err)
		case <-tick:
			report(srv, counts)
		}
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func report(srv *server.Server, counts *xsync.MapOf[uint16, *xsync.Counter]) {
	st := srv.Stats()

	var types []uint16
	counts.Range(func(t uint16, _ *xsync.Counter) bool {
		types = append(types, t)
		return true
	})
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	var sb strings.Builder
	for _, t := range types {
		c, _ := counts.Load(t)
		sb.WriteString(fmt.Sprintf(" %d=%d", t, c.Value()))
	}

	fmt.Printf("connections %d | received %d | dropped %d | errors %d | processed %d | queued %d | avg payload %d B | balance %.2f | types:%s\n",
		st.Connections, st.Received, st.Dropped, st.RecvErrors, st.Processed, st.Queued,
		st.AveragePayload, st.RecvBalance.Balance, sb.String())
}
