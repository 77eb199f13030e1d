package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/go-agentmesh/agentmesh/lib/bootstrap"
	"github.com/go-agentmesh/agentmesh/lib/config"
	"github.com/go-agentmesh/agentmesh/lib/dht"
	"github.com/go-agentmesh/agentmesh/lib/identity"
	"github.com/go-agentmesh/agentmesh/lib/node"
	"github.com/go-agentmesh/agentmesh/lib/transport"
	"github.com/go-agentmesh/agentmesh/lib/util"
	"github.com/go-agentmesh/agentmesh/lib/util/clock"
	"github.com/go-agentmesh/agentmesh/lib/util/logger"
	"github.com/go-agentmesh/agentmesh/lib/util/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var log = logger.GetLogger()

var rootCmd = &cobra.Command{
	Use:   "agentmesh",
	Short: "Peer-to-peer agent messaging node",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.InitConfig()
	},
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Join the network and relay messages",
	Long: `Start a node: load or create the identity key, join the network
through the configured seeds and keep the local record published until
interrupted.

Examples:
  agentmesh run
  agentmesh run --listen 0.0.0.0:7450 --seeds quic://203.0.113.7:7450`,
	RunE: runNode,
}

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Show the node identity",
	RunE:  showIdentity,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&config.CfgFile, "config", "", "config file (default $HOME/.agentmesh/config.yaml)")

	runCmd.Flags().String("listen", "", "QUIC listen address (host:port)")
	runCmd.Flags().StringSlice("seeds", nil, "seed addresses, overriding the configured list")
	must(viper.BindPFlag("transport.listen_addr", runCmd.Flags().Lookup("listen")))
	must(viper.BindPFlag("bootstrap.seeds", runCmd.Flags().Lookup("seeds")))

	rootCmd.AddCommand(runCmd, idCmd)
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadIdentity(cfg config.ConfigDefaults) (*identity.Identity, *identity.Keystore, error) {
	if err := util.EnsureDir(cfg.Node.IdentityDir()); err != nil {
		return nil, nil, fmt.Errorf("create identity dir: %w", err)
	}
	ks := identity.NewKeystore(cfg.Node.IdentityDir(), cfg.Node.KeyName)
	id, err := ks.LoadOrCreate()
	if err != nil {
		return nil, nil, fmt.Errorf("load identity: %w", err)
	}
	return id, ks, nil
}

func showIdentity(cmd *cobra.Command, args []string) error {
	cfg := config.CurrentConfig()
	id, ks, err := loadIdentity(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("Peer ID:    %s\n", id.ID())
	fmt.Printf("Public key: %s\n", hex.EncodeToString(id.PublicKey()))
	fmt.Printf("Key file:   %s\n", ks.Path())
	return nil
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg := config.CurrentConfig()
	if err := config.Validate(cfg); err != nil {
		return err
	}
	id, _, err := loadIdentity(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var clk clock.Clock = clock.System{}
	if cfg.Clock.NTPEnabled {
		ntpClock := clock.NewNTPClock(cfg.NTPConfig(), nil)
		if err := ntpClock.Sync(); err != nil {
			log.WithError(err).Warn("initial NTP sync failed, using host clock until the next sample")
		}
		go ntpClock.Run(ctx)
		clk = ntpClock
	}

	tr, err := transport.NewQUIC(cfg.Transport, id.PrivateKey())
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}

	var persister dht.Persister
	if cfg.DHT.Persist {
		lp, err := dht.OpenLevelPersister(cfg.Node.RecordsPath())
		if err != nil {
			tr.Close()
			return fmt.Errorf("open record store: %w", err)
		}
		util.RegisterCloser(lp)
		persister = lp
	}
	defer util.CloseAll()

	nodeCfg := cfg.NodeConfig()
	seeds, err := bootstrap.NewCompositeBootstrap(cfg.BootstrapConfig(tr.Scheme())).GetPeers(ctx, 0)
	if err != nil {
		log.WithError(err).Warn("no usable seeds, waiting for inbound peers")
	}
	nodeCfg.Seeds = seeds

	n, err := node.New(id, tr, persister, clk, nodeCfg)
	if err != nil {
		tr.Close()
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}

	sig := signals.New()
	sig.OnPreShutdown(n.Stop)
	sig.OnInterrupt(func() { cancel() })
	sig.OnReload(func() {
		if err := reloadConfig(); err != nil {
			log.WithError(err).Warn("configuration not reloaded")
			return
		}
		log.Info("configuration reloaded, changes apply on restart")
	})
	go sig.Handle(ctx)

	fmt.Printf("agentmesh node %s listening on %s\n", n.ID(), n.Addr())
	report(ctx, n)
	n.Stop()
	return nil
}

// reloadConfig re-reads the config file and validates the result.
func reloadConfig() error {
	if err := viper.ReadInConfig(); err != nil {
		return err
	}
	return config.Validate(config.CurrentConfig())
}

// report logs node activity until ctx is done.
func report(ctx context.Context, n *node.Node) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.Messages():
			log.WithFields(logger.Fields{
				"from":     msg.From.Short(),
				"session":  msg.SessionID,
				"sequence": msg.Sequence,
				"bytes":    len(msg.Payload),
			}).Info("message received")
		case res := <-n.DeliveryResults():
			log.WithFields(logger.Fields{
				"delivery": res.ID,
				"peer":     res.Peer.Short(),
				"outcome":  res.Outcome.String(),
				"attempts": res.Attempts,
			}).Info("delivery finished")
		case ev := <-n.LivenessEvents():
			log.WithFields(logger.Fields{
				"peer":  ev.Peer.Short(),
				"alive": ev.Alive,
			}).Info("peer liveness changed")
		}
	}
}
