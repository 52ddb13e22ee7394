package util

import (
	"github.com/ValentinKolb/smtc/rpc/common"
	"github.com/joho/godotenv"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"io"
	"net/http"
	"strings"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of all environment variables (e.g. SMTC_PORT)
	EnvPrefix = "smtc"
)

var Logger = logger.GetLogger("cli")

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads .env files and makes viper read SMTC_* environment variables
func InitConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// --------------------------------------------------------------------------
// Shared flags
// --------------------------------------------------------------------------

// SetupServiceFlags adds the flags every service command needs
func SetupServiceFlags(cmd *cobra.Command, defaultName string) {
	key := "name"
	cmd.PersistentFlags().String(key, defaultName, WrapString("Name of the service, command sockets are derived from it and must be unique per host"))

	key = "command-dir"
	cmd.PersistentFlags().String(key, "", WrapString("Directory for the command sockets. Empty uses the linux abstract socket namespace"))

	key = "log-level"
	cmd.PersistentFlags().String(key, "info", WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	key = "metrics-endpoint"
	cmd.PersistentFlags().String(key, "", WrapString("Address for the prometheus /metrics endpoint (e.g. :9100), empty disables it"))
}

// SetupSocketFlags adds the socket tuning flags shared by both sides
func SetupSocketFlags(cmd *cobra.Command) {
	key := "socket-write-buffer"
	cmd.PersistentFlags().Int(key, 0, WrapString("Size of the socket write buffer in KB, 0 keeps the kernel default"))

	key = "socket-read-buffer"
	cmd.PersistentFlags().Int(key, 0, WrapString("Size of the socket read buffer in KB, 0 keeps the kernel default"))

	key = "tcp-nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY"))

	key = "tcp-keepalive"
	cmd.PersistentFlags().Int(key, 0, WrapString("TCP keepalive interval in seconds, 0 disables it"))

	key = "tcp-linger"
	cmd.PersistentFlags().Int(key, 0, WrapString("SO_LINGER time in seconds, 0 keeps the default close behavior"))
}

// SetupClientFlags adds all flags of the send side
func SetupClientFlags(cmd *cobra.Command) {
	SetupServiceFlags(cmd, "smtc-send")
	SetupSocketFlags(cmd)

	key := "endpoint"
	cmd.PersistentFlags().String(key, "localhost:7000", WrapString("Address of the receive service (host:port)"))

	key = "send-threads"
	cmd.PersistentFlags().Int(key, common.DefaultSendThreads, WrapString("Number of send roles, each with its own connection and queue"))

	key = "slots"
	cmd.PersistentFlags().Int(key, common.DefaultQueueSlots, WrapString("Number of slots in every send queue"))

	key = "slot-size"
	cmd.PersistentFlags().Int(key, common.DefaultSlotSize, WrapString("Size of one queue slot in bytes, header included. Limits the payload size"))

	key = "notify-interval"
	cmd.PersistentFlags().Int(key, common.DefaultNotifyBatch, WrapString("Wake up a send role after this many queued messages"))

	key = "keepalive"
	cmd.PersistentFlags().Duration(key, common.DefaultKeepaliveInterval, WrapString("Idle time after which a keepalive request is sent"))

	key = "reconnect-min"
	cmd.PersistentFlags().Duration(key, common.DefaultReconnectMin, WrapString("Initial reconnect backoff"))

	key = "reconnect-max"
	cmd.PersistentFlags().Duration(key, common.DefaultReconnectMax, WrapString("Upper bound of the reconnect backoff"))

	key = "connect-timeout"
	cmd.PersistentFlags().Duration(key, common.DefaultConnectTimeout, WrapString("Timeout of a single connect attempt"))

	key = "primary"
	cmd.PersistentFlags().Bool(key, true, WrapString("Announce the links of this service as primary links"))
}

// --------------------------------------------------------------------------
// Config readers
// --------------------------------------------------------------------------

// GetSocketConf reads the socket buffer sizes from viper
func GetSocketConf() common.SocketConf {
	return common.SocketConf{
		WriteBufferSize: viper.GetInt("socket-write-buffer") * 1024,
		ReadBufferSize:  viper.GetInt("socket-read-buffer") * 1024,
	}
}

// GetTCPConf reads the tcp options from viper
func GetTCPConf() common.TCPConf {
	return common.TCPConf{
		TCPNoDelay:      viper.GetBool("tcp-nodelay"),
		TCPKeepAliveSec: viper.GetInt("tcp-keepalive"),
		TCPLingerSec:    viper.GetInt("tcp-linger"),
	}
}

// GetClientConfig reads the send side configuration from viper
func GetClientConfig() *common.ClientConfig {
	return &common.ClientConfig{
		Name:        viper.GetString("name"),
		Endpoint:    viper.GetString("endpoint"),
		SendThreads: viper.GetInt("send-threads"),
		Queue: common.QueueConf{
			Slots:    viper.GetInt("slots"),
			SlotSize: viper.GetInt("slot-size"),
		},
		NotifyInterval:    viper.GetInt("notify-interval"),
		KeepaliveInterval: viper.GetDuration("keepalive"),
		ReconnectMin:      viper.GetDuration("reconnect-min"),
		ReconnectMax:      viper.GetDuration("reconnect-max"),
		ConnectTimeout:    viper.GetDuration("connect-timeout"),
		IsPrimary:         viper.GetBool("primary"),
		CommandDir:        viper.GetString("command-dir"),
		Socket:            GetSocketConf(),
		TCP:               GetTCPConf(),
		LogLevel:          viper.GetString("log-level"),
	}
}

// --------------------------------------------------------------------------
// Metrics endpoint
// --------------------------------------------------------------------------

// ServeMetrics starts an http server in the background that answers /metrics
// with the output of write. It returns the listen error, if any, through errs.
func ServeMetrics(addr string, write func(w io.Writer)) <-chan error {
	errs := make(chan error, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		write(w)
	})
	go func() {
		errs <- http.ListenAndServe(addr, mux)
	}()
	return errs
}
