package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goware/pp"
	"github.com/spf13/cobra"

	"github.com/lattice-labs/xchain/config"
	"github.com/lattice-labs/xchain/engine"
	"github.com/lattice-labs/xchain/eventbus"
)

const VERSION = "v0.1"

var (
	flagRPCURL    string
	flagStreamURL string
	flagName      string
	flagAddresses []string
	flagThreshold int
	flagFrom      uint64
	flagTo        uint64
	flagLogLevel  string
	flagLogFormat string
)

var rootCmd = &cobra.Command{
	Use:   "xchain-watch",
	Short: "xchain-watch - observe transactions and DeFi events on an EVM chain",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&flagRPCURL, "rpc-url", "", "http JSON-RPC endpoint url (required)")
	rootCmd.Flags().StringVar(&flagStreamURL, "stream-url", "", "websocket endpoint url for newHeads (required)")
	rootCmd.Flags().StringVar(&flagName, "name", "primary", "endpoint name")
	rootCmd.Flags().StringSliceVar(&flagAddresses, "address", nil, "address to watch (repeatable)")
	rootCmd.Flags().IntVar(&flagThreshold, "confirmations", 12, "confirmation threshold")
	rootCmd.Flags().Uint64Var(&flagFrom, "backfill-from", 0, "backfill starting block (0 = live only)")
	rootCmd.Flags().Uint64Var(&flagTo, "backfill-to", 0, "backfill ending block (0 = current head)")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "debug|info|warn|error")
	rootCmd.Flags().StringVar(&flagLogFormat, "log-format", "text", "text|json")

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("xchain-watch", VERSION)
		},
	}
	rootCmd.AddCommand(versionCmd)
}

func run(cmd *cobra.Command, args []string) error {
	if flagRPCURL == "" || flagStreamURL == "" {
		return fmt.Errorf("--rpc-url and --stream-url are required")
	}

	cfg := config.Defaults()
	cfg.Endpoints = []config.Endpoint{{
		Name:         flagName,
		RPCURL:       flagRPCURL,
		StreamURL:    flagStreamURL,
		Priority:     0,
		RateLimitRPS: 25,
		TimeoutMs:    10_000,
	}}
	cfg.ConfirmationThreshold = flagThreshold
	cfg.LogLevel = flagLogLevel
	cfg.LogFormat = flagLogFormat

	eng, err := engine.New(cfg)
	if err != nil {
		return err
	}

	for _, a := range flagAddresses {
		if !common.IsHexAddress(a) {
			return fmt.Errorf("invalid address %q", a)
		}
		eng.AddAddressToMonitor(common.HexToAddress(a))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sub := eng.Subscribe("xchain-watch")
	go printFeed(sub)

	if flagFrom > 0 {
		go func() {
			// the engine accepts backfill commands only once Run has started
			for ctx.Err() == nil {
				_, err := eng.BackfillTransactions(flagFrom, flagTo)
				if err == nil {
					return
				}
				time.Sleep(250 * time.Millisecond)
			}
		}()
	}

	return eng.Run(ctx)
}

func printFeed(sub eventbus.Subscription) {
	for {
		select {
		case <-sub.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			printEvent(ev)
		}
	}
}

func printEvent(ev eventbus.Event) {
	switch {
	case ev.Transaction != nil:
		tx := ev.Transaction
		to := "<create>"
		if tx.To != nil {
			to = strings.ToLower(tx.To.Hex())
		}
		pp.Green("### %s", ev.Kind).
			Blue(" block:%d", tx.BlockNumber).
			Green(" tx:%s from:%s to:%s value:%s conf:%d",
				tx.TxHash.Hex(), strings.ToLower(tx.From.Hex()), to, tx.Value.String(), tx.Confirmations).
			Println()
	case ev.LogEvent != nil:
		lg := ev.LogEvent
		pp.Green("### %s", ev.Kind).
			Blue(" block:%d", lg.BlockNumber).
			Green(" event:%s contract:%s protocol:%s logIndex:%d",
				lg.EventName, strings.ToLower(lg.ContractAddress.Hex()), lg.ProtocolName, lg.LogIndex).
			Println()
	case ev.UserAction != nil:
		a := ev.UserAction
		pp.Green("### %s", ev.Kind).
			Blue(" block:%d", a.BlockNumber).
			Green(" user:%s action:%s protocol:%s events:%d",
				strings.ToLower(a.UserAddress.Hex()), a.ActionType, a.ProtocolName, len(a.Events)).
			Println()
	case ev.Reorg != nil:
		r := ev.Reorg
		pp.Green("### %s", ev.Kind).
			Blue(" block:%d", r.BlockNumber).
			Green(" old:%s new:%s affected:%d", r.OldHash.Hex(), r.NewHash.Hex(), len(r.AffectedEventIDs)).
			Println()
	case ev.Backfill != nil:
		pp.Green("### %s from:%d to:%d", ev.Kind, ev.Backfill.FromBlock, ev.Backfill.ToBlock).Println()
	default:
		pp.Green("### %s %s", ev.Kind, ev.DroppedLabel).Println()
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
