package stat

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/smtc/cmd/util"
	libUtil "github.com/ValentinKolb/smtc/lib/util"
	"github.com/ValentinKolb/smtc/rpc/command"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"os"
	"sort"
	"time"
)

// StatCmd queries a running receive service over its command sockets
var StatCmd = &cobra.Command{
	Use:       "stat [config|recv|work]",
	Short:     "Query a running receive service on this host",
	Long:      `Query the configuration and the per role counters of a receive service running on the same host. Without an argument all three reports are printed. Queries travel over the unreliable command channel, so a busy service may not answer every request.`,
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"config", "recv", "work"},
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return util.BindCommandFlags(cmd)
	},
	RunE: run,
}

func init() {
	cobra.OnInitialize(util.InitConfig)

	key := "name"
	StatCmd.Flags().String(key, "smtc", util.WrapString("Name of the service to query"))
	key = "command-dir"
	StatCmd.Flags().String(key, "", util.WrapString("Directory of the command sockets. Empty uses the linux abstract socket namespace"))
	key = "timeout"
	StatCmd.Flags().Duration(key, time.Second, util.WrapString("How long to wait for replies"))
}

func run(_ *cobra.Command, args []string) error {
	name := viper.GetString("name")
	dir := viper.GetString("command-dir")
	timeout := viper.GetDuration("timeout")

	ch, err := command.Listen(command.Address(dir, name, command.RoleQuery, os.Getpid()))
	if err != nil {
		return err
	}
	defer ch.Close()

	target := command.Address(dir, name, command.RoleListen, 0)

	// the config reply tells how many recv and work replies to expect
	replies, err := query(ch, target, command.TypeQueryConfig, 1, timeout)
	if err != nil {
		return err
	}
	conf := replies[0].Config

	what := ""
	if len(args) == 1 {
		what = args[0]
	}

	if what == "" || what == "config" {
		printConfig(conf)
	}
	if what == "" || what == "recv" {
		replies, err := query(ch, target, command.TypeQueryRecvStats, int(conf.RecvThreads), timeout)
		if err != nil && !errors.Is(err, command.ErrTimeout) {
			return err
		}
		printRecv(replies, int(conf.RecvThreads))
	}
	if what == "" || what == "work" {
		replies, err := query(ch, target, command.TypeQueryWorkStats, int(conf.WorkThreads), timeout)
		if err != nil && !errors.Is(err, command.ErrTimeout) {
			return err
		}
		printWork(replies, int(conf.WorkThreads))
	}
	return nil
}

var replyTypes = map[command.Type]command.Type{
	command.TypeQueryConfig:    command.TypeQueryConfigReply,
	command.TypeQueryRecvStats: command.TypeQueryRecvStatsReply,
	command.TypeQueryWorkStats: command.TypeQueryWorkStatsReply,
}

// query sends one request and collects up to want replies of the matching type.
// It returns the replies gathered so far together with ErrTimeout if fewer arrived.
func query(ch *command.Channel, target string, t command.Type, want int, timeout time.Duration) ([]command.Command, error) {
	if err := ch.Send(target, command.New(t)); err != nil {
		return nil, fmt.Errorf("service not reachable at %s: %w", target, err)
	}

	replyType := replyTypes[t]
	var replies []command.Command
	deadline := time.Now().Add(timeout)
	for len(replies) < want {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return replies, command.ErrTimeout
		}
		cmd, _, err := ch.RecvTimeout(remaining)
		if err != nil {
			if errors.Is(err, command.ErrMalformed) {
				continue
			}
			return replies, err
		}
		if cmd.Type == replyType {
			replies = append(replies, cmd)
		}
	}
	return replies, nil
}

// --------------------------------------------------------------------------
// Output
// --------------------------------------------------------------------------

func printConfig(c command.ConfigReply) {
	fmt.Println("CONFIG")
	fmt.Printf("  %-18s: %s\n", "Name", c.Name)
	fmt.Printf("  %-18s: %d\n", "Port", c.Port)
	fmt.Printf("  %-18s: %d\n", "Receive Threads", c.RecvThreads)
	fmt.Printf("  %-18s: %d\n", "Worker Threads", c.WorkThreads)
	fmt.Printf("  %-18s: %d\n", "Queues", c.Queues)
	fmt.Printf("  %-18s: %d\n", "Slots Per Queue", c.Slots)
	fmt.Printf("  %-18s: %d bytes\n", "Slot Size", c.SlotSize)
	fmt.Println()
}

func printRecv(replies []command.Command, want int) {
	sort.Slice(replies, func(i, j int) bool { return replies[i].RecvStats.Index < replies[j].RecvStats.Index })

	fmt.Println("RECEIVE ROLES")
	fmt.Printf("  %-6s %12s %14s %12s %12s\n", "index", "connections", "received", "dropped", "errors")
	received := make([]float64, 0, len(replies))
	for _, r := range replies {
		s := r.RecvStats
		fmt.Printf("  %-6d %12d %14d %12d %12d\n", s.Index, s.Connections, s.Received, s.Dropped, s.Errors)
		received = append(received, float64(s.Received))
	}
	if len(replies) < want {
		fmt.Printf("  (%d of %d roles did not answer)\n", want-len(replies), want)
	}
	if len(received) > 1 {
		fmt.Printf("  balance %.2f\n", libUtil.NewLoadStats(received).Balance)
	}
	fmt.Println()
}

func printWork(replies []command.Command, want int) {
	sort.Slice(replies, func(i, j int) bool { return replies[i].WorkStats.Index < replies[j].WorkStats.Index })

	fmt.Println("WORKER ROLES")
	fmt.Printf("  %-6s %14s %12s %12s\n", "index", "processed", "dropped", "errors")
	for _, r := range replies {
		s := r.WorkStats
		fmt.Printf("  %-6d %14d %12d %12d\n", s.Index, s.Processed, s.Dropped, s.Errors)
	}
	if len(replies) < want {
		fmt.Printf("  (%d of %d roles did not answer)\n", want-len(replies), want)
	}
	fmt.Println()
}
