// Command lucid-node runs the full node daemon: the RDP listener and
// session pipeline, the Tor onion/SOCKS layer, the blockchain anchoring and
// consensus services, the payment gate, and the read/submission API.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"lucid-network/api"
	"lucid-network/compression"
	"lucid-network/core"
	"lucid-network/payment"
	pkgconfig "lucid-network/pkg/config"
	"lucid-network/sessioncrypto"
	"lucid-network/tor"
)

// Exit codes per the node's operational contract.
const (
	exitClean         = 0
	exitConfigError   = 2
	exitTorLost       = 3
	exitStorageError  = 4
)

func main() {
	root := &cobra.Command{Use: "lucid-node"}
	root.AddCommand(serveCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the lucid-node daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(runDaemon(env))
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay config to merge (LUCID_ENV)")
	return cmd
}

func runDaemon(env string) int {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := pkgconfig.Load(env)
	if err != nil {
		log.WithError(err).Error("load configuration")
		return exitConfigError
	}
	if cfg.Logging.Level != "" {
		lvl, err := logrus.ParseLevel(cfg.Logging.Level)
		if err != nil {
			log.WithError(err).Warn("unrecognized log level, defaulting to info")
		} else {
			log.SetLevel(lvl)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigc
		log.WithField("signal", sig.String()).Info("shutting down, draining in-flight sessions")
		cancel()
	}()

	if err := os.MkdirAll(cfg.Node.DataDir, 0o750); err != nil {
		log.WithError(err).Error("create data directory")
		return exitStorageError
	}

	torCtl, err := tor.DialControlPort(ctx, cfg.Tor.ControlAddr, cfg.Tor.ControlPassword)
	if err != nil {
		log.WithError(err).Error("dial tor control port")
		return exitTorLost
	}
	defer torCtl.Close()

	onionRegistry := cfg.Tor.RegistryPath
	if onionRegistry == "" {
		onionRegistry = cfg.Node.DataDir + "/onion_services.json"
	}
	onions, err := tor.NewManager(torCtl, onionRegistry, cfg.Node.DataDir)
	if err != nil {
		log.WithError(err).Error("construct onion service manager")
		return exitStorageError
	}

	rdpOnion, err := onions.Create(ctx, tor.Request{
		Name:       cfg.Node.ID + "-rdp",
		Type:       tor.ServiceDynamic,
		OnionPort:  22022,
		TargetHost: "127.0.0.1",
		TargetPort: mustPort(cfg.RDP.ListenAddr, log),
		KeyType:    tor.KeyEd25519V3,
	})
	if err != nil {
		log.WithError(err).Error("publish rdp onion service")
		return exitTorLost
	}
	log.WithFields(logrus.Fields{"onion_address": rdpOnion.OnionAddress, "service_id": rdpOnion.ServiceID}).Info("rdp onion service published")

	proxies := tor.NewProxyManager()
	defer proxies.Shutdown()

	metrics := api.NewMetrics()

	blocks := core.NewBlockService(log)
	stakes := newStaticStakeTable()
	consensus := core.NewConsensus(blocks, stakes, log)
	anchors := core.NewAnchoringService(blocks, cfg.Blockchain.RequiredConfirmations, log)
	blocks.OnBlockConfirmed(anchors.OnBlockConfirmed)
	blocks.OnBlockConfirmed(func(*core.Block) { metrics.BlocksConfirmed.Inc() })
	proofs := core.NewMerkleProofService(anchors)
	go runFinalityLoop(ctx, blocks, consensus, cfg.Blockchain.RoundTimeout, log)

	paymentCfg := paymentConfigFromNode(cfg)
	validator := payment.NewValidator(paymentCfg, payment.TRONAddressValidator, nil, nil)
	acceptor := payment.NewAcceptor(paymentCfg, validator, nil, log, nil)
	go acceptor.RunExpiryLoop(paymentCfg.ConfirmationPoll)
	defer acceptor.Stop()

	processor := payment.NewProcessor(paymentCfg, nil, payment.SettlerFunc(stubSettle), log)
	go processor.RunImmediateWorkers(ctx)
	go processor.RunBatchLoop(ctx)
	go processor.RunScheduledLoop(ctx, paymentCfg.ConfirmationPoll)
	go processor.RunConditionalLoop(ctx, paymentCfg.ConfirmationPoll)
	defer processor.Stop()

	anchoring := newAnchoringAdapter(anchors, proofs)
	paymentGate := newPaymentGateAdapter(acceptor)

	sessionCfg := sessionServerConfig{
		ListenAddr:           cfg.RDP.ListenAddr,
		MaxPacketBytes:       cfg.RDP.MaxPacketBytes,
		HandshakeTimeout:     cfg.RDP.HandshakeTimeout,
		PrivacyShield:        cfg.RDP.PrivacyShield,
		FrameStrideBytes:     cfg.RDP.FrameStrideBytes,
		ChunkSizeBytes:       cfg.Session.ChunkSizeBytes,
		ChunkFlushInterval:   cfg.Session.ChunkFlushInterval,
		CompressionAlgo:      compression.Algorithm(cfg.Session.CompressionAlgo),
		CompressionLevel:     cfg.Session.CompressionLevel,
		AEADAlgorithm:        sessioncrypto.Algorithm(cfg.Crypto.AEADAlgorithm),
		KeyRotationInterval:  cfg.Crypto.KeyRotationInterval,
		DataDir:              cfg.Node.DataDir,
		PaymentPollTimeout:   cfg.Payment.ValidationTimeout,
	}
	srv := newSessionServer(sessionCfg, anchoring, paymentGate, log)

	listener, err := net.Listen("tcp", cfg.RDP.ListenAddr)
	if err != nil {
		log.WithError(err).Error("listen for rdp connections")
		return exitStorageError
	}
	go func() {
		if err := srv.Serve(ctx, listener); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("rdp listener stopped")
		}
	}()

	apiServer := &http.Server{
		Addr:    cfg.API.ListenAddr,
		Handler: api.NewRouter(&api.Server{Blocks: blocks, Anchors: anchors, Proofs: proofs, Payments: acceptor, Metrics: metrics, Log: log}),
	}
	go func() {
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("api server stopped")
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = apiServer.Shutdown(shutdownCtx)
	_, _ = onions.Remove(shutdownCtx, rdpOnion.ServiceID)

	log.Info("clean shutdown")
	return exitClean
}

func mustPort(addr string, log *logrus.Logger) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		log.WithError(err).Warn("malformed listen address, defaulting target port to 3389")
		return 3389
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return 3389
	}
	return port
}

// paymentConfigFromNode maps the unified node configuration onto the
// payment package's own Config shape.
func paymentConfigFromNode(cfg *pkgconfig.Config) payment.Config {
	pcfg := payment.DefaultConfig()
	pcfg.MinAmount = cfg.Payment.MinAmount
	pcfg.MaxAmount = cfg.Payment.MaxAmount
	pcfg.DefaultExpiry = cfg.Payment.DefaultExpiry
	pcfg.RequiredConfirmations = cfg.Payment.RequiredConfirmations
	pcfg.ValidationTimeout = cfg.Payment.ValidationTimeout
	pcfg.ProcessingTimeout = cfg.Payment.ProcessingTimeout
	pcfg.MaxConcurrentPayments = cfg.Payment.MaxConcurrentPayments
	if len(cfg.Payment.SupportedTokens) > 0 {
		pcfg.SupportedTokens = make(map[string]bool, len(cfg.Payment.SupportedTokens))
		for _, t := range cfg.Payment.SupportedTokens {
			pcfg.SupportedTokens[t] = true
		}
	}
	if len(cfg.Payment.SupportedNetworks) > 0 {
		pcfg.SupportedNetworks = make(map[string]bool, len(cfg.Payment.SupportedNetworks))
		for _, n := range cfg.Payment.SupportedNetworks {
			pcfg.SupportedNetworks[n] = true
		}
	}
	return pcfg
}

// stubSettle is the default Settler until a concrete chain-submission
// client is wired in: it records a synthetic transaction id so the
// Processor's retry and double-spend bookkeeping has something concrete to
// observe.
func stubSettle(ctx context.Context, req payment.Request, routerID string) (string, error) {
	return fmt.Sprintf("stub-%s-%s", routerID, req.PaymentID), nil
}

// staticStakeTable is a placeholder StakeTable until validator staking is
// wired to a real registry: a single-node network holds all stake.
type staticStakeTable struct{}

func newStaticStakeTable() *staticStakeTable { return &staticStakeTable{} }

func (staticStakeTable) StakeOf(nodeID string) uint64 { return 100 }
func (staticStakeTable) TotalStake() uint64            { return 100 }

// runFinalityLoop periodically checks every confirmed block for promotion
// to FINALIZED, at the configured consensus round cadence.
func runFinalityLoop(ctx context.Context, blocks *core.BlockService, consensus *core.Consensus, interval time.Duration, log *logrus.Logger) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			latest := blocks.Latest()
			if latest == nil {
				continue
			}
			for h := uint64(0); h <= latest.Header.Height; h++ {
				if err := consensus.CheckFinality(h); err != nil {
					log.WithError(err).WithField("height", h).Debug("finality check skipped")
				}
			}
		}
	}
}
