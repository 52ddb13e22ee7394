package send

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/smtc/cmd/util"
	"github.com/ValentinKolb/smtc/rpc/client"
	"github.com/ValentinKolb/smtc/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"io"
	"os"
	"strconv"
	"time"
)

var (
	cli *client.Client

	// SendCommands sends messages to a receive service
	SendCommands = &cobra.Command{
		Use:   "send <type> [payload]",
		Short: "Send messages to a receive service",
		Long: `Send a message of the given type to a receive service. The payload is read
from stdin when it is omitted or "-". The command returns once all messages
left the send queues or --wait expired.`,
		Args:               cobra.RangeArgs(1, 2),
		PersistentPreRunE:  setupClient,
		PersistentPostRunE: teardownClient,
		RunE:               runSend,
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	util.SetupClientFlags(SendCommands)

	key := "count"
	SendCommands.Flags().Int(key, 1, util.WrapString("How often the message is sent"))
	key = "wait"
	SendCommands.PersistentFlags().Duration(key, 10*time.Second, util.WrapString("How long to wait for the send queues to drain before exiting"))

	SendCommands.AddCommand(perfTestCmd)
}

// setupClient creates and starts the send service
func setupClient(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	config := util.GetClientConfig()
	if err := common.InitLoggers(config.LogLevel); err != nil {
		return err
	}

	var err error
	if cli, err = client.New(*config); err != nil {
		return err
	}
	if addr := viper.GetString("metrics-endpoint"); addr != "" {
		errs := util.ServeMetrics(addr, cli.WritePrometheus)
		go func() {
			if err := <-errs; err != nil {
				util.Logger.Errorf("metrics endpoint failed: %v", err)
			}
		}()
	}
	return cli.Startup()
}

// teardownClient waits for the queues to drain and stops the send service
func teardownClient(_ *cobra.Command, _ []string) error {
	if cli == nil {
		return nil
	}
	defer cli.Destroy()

	if !drain(viper.GetDuration("wait")) {
		st := cli.Stats()
		return fmt.Errorf("%d messages still queued after %s", st.Queued, viper.GetDuration("wait"))
	}
	return nil
}

func runSend(_ *cobra.Command, args []string) error {
	msgType, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		return fmt.Errorf("invalid message type %q: %w", args[0], err)
	}

	var payload []byte
	if len(args) < 2 || args[1] == "-" {
		if payload, err = io.ReadAll(os.Stdin); err != nil {
			return fmt.Errorf("failed to read payload: %w", err)
		}
	} else {
		payload = []byte(args[1])
	}

	count := viper.GetInt("count")
	for i := 0; i < count; i++ {
		for {
			err = cli.Send(uint16(msgType), payload)
			if !errors.Is(err, client.ErrQueueFull) {
				break
			}
			time.Sleep(time.Millisecond)
		}
		if err != nil {
			return err
		}
	}

	fmt.Printf("queued %d message(s) of type %d (%d bytes)\n", count, msgType, len(payload))
	return nil
}

// drain polls the send queues until they are empty or timeout expires
func drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for cli.Stats().Queued > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}
