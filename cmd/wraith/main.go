// Package main provides the CLI entry point for the WRAITH secure transport
// node.
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/wraith-project/wraith/internal/certutil"
	"github.com/wraith-project/wraith/internal/config"
	"github.com/wraith-project/wraith/internal/identity"
	"github.com/wraith-project/wraith/internal/logging"
	"github.com/wraith-project/wraith/internal/node"
	"github.com/wraith-project/wraith/internal/obfuscate"
	"github.com/wraith-project/wraith/internal/recovery"
	"github.com/wraith-project/wraith/internal/streammux"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "wraith",
		Short:   "WRAITH - polymorphic secure P2P transport",
		Version: Version,
		Long: `WRAITH establishes hybrid post-quantum secure channels between two
peers over an obfuscated, migration-resistant datagram transport.

It handles the handshake, per-packet ratchet, stream multiplexing, and
traffic shaping; this CLI wraps that into a node you can run, dial, and
inspect.`,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "start", Title: "Getting Started:"})
	rootCmd.AddGroup(&cobra.Group{ID: "transport", Title: "Transport:"})
	rootCmd.AddGroup(&cobra.Group{ID: "admin", Title: "Administration:"})

	initC := initCmd()
	initC.GroupID = "start"
	rootCmd.AddCommand(initC)

	idC := idCmd()
	idC.GroupID = "start"
	rootCmd.AddCommand(idC)

	listenC := listenCmd()
	listenC.GroupID = "transport"
	rootCmd.AddCommand(listenC)

	dialC := dialCmd()
	dialC.GroupID = "transport"
	rootCmd.AddCommand(dialC)

	certC := certCmd()
	certC.GroupID = "admin"
	rootCmd.AddCommand(certC)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var dataDir, suiteName, passphraseEnv string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create (or show) this node's identity",
		Long:  "Generate a long-lived keypair under --data-dir, or print the existing one.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := &config.Config{
				Identity: config.IdentityConfig{DataDir: dataDir, PassphraseEnv: passphraseEnv},
				Suite:    suiteName,
			}
			existed := identity.KeypairExists(dataDir)
			kp, _, err := cfg.LoadIdentity()
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}
			if existed {
				fmt.Printf("Identity already exists in %s\n", dataDir)
			} else {
				fmt.Printf("Identity created in %s\n", dataDir)
			}
			fmt.Printf("Public key:  %s\n", kp.PublicKeyString())
			fmt.Printf("Agent ID:    %s\n", identity.AgentIDFromPublicKey(kp.PublicKey))
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for the persisted keypair")
	cmd.Flags().StringVar(&suiteName, "suite", "B", "Cipher suite: A, B, C, or D")
	cmd.Flags().StringVar(&passphraseEnv, "passphrase-env", "", "Environment variable holding the keypair passphrase")

	return cmd
}

func idCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "id",
		Short: "Print this node's public key and agent ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !identity.KeypairExists(dataDir) {
				return fmt.Errorf("no identity in %s; run 'wraith init' first", dataDir)
			}
			kp, err := identity.LoadKeypair(dataDir, nil)
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}
			fmt.Printf("Public key:  %s\n", kp.PublicKeyString())
			fmt.Printf("Agent ID:    %s\n", identity.AgentIDFromPublicKey(kp.PublicKey))
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory holding the persisted keypair")

	return cmd
}

func listenCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Run a WRAITH node and accept inbound sessions",
		Long: `Run a listening node. Each accepted session spawns a single
interactive stream: bytes read from stdin are sent on it, bytes
received are written to stdout. Useful for manual connectivity testing
and as a template for embedding the node package.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			n, logger, err := buildNode(cfg)
			if err != nil {
				return err
			}
			defer n.Shutdown()

			logger.Info("listening", "addr", cfg.Listen.Address, "suite", cfg.Suite)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go func() {
				defer recovery.RecoverWithLog(logger, "acceptLoop")
				for {
					sess, err := n.Accept(ctx)
					if err != nil {
						return
					}
					go handleInboundSession(ctx, sess, logger)
				}
			}()

			<-ctx.Done()
			fmt.Fprintln(os.Stderr, "shutting down...")
			return n.Shutdown()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./wraith.yaml", "Path to configuration file")

	return cmd
}

func dialCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "dial <peer-public-key-hex> <address>",
		Short: "Connect to a WRAITH listener and open an interactive stream",
		Args:  cobra.ExactArgs(2),
		Long: `Dial a remote node, complete the handshake, and open one
interactive stream: bytes read from stdin are sent on it, bytes
received are written to stdout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			peerKey, err := identity.ParseKey(args[0])
			if err != nil {
				return fmt.Errorf("parse peer public key: %w", err)
			}
			n, logger, err := buildNode(cfg)
			if err != nil {
				return err
			}
			defer n.Shutdown()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			sess, err := n.Connect(connectCtx, peerKey, args[1], nil)
			cancel()
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			logger.Info("connected", "remote", sess.LocalAddr())

			stream, err := sess.OpenStream(ctx, streammux.QoSInteractive)
			if err != nil {
				return fmt.Errorf("open stream: %w", err)
			}

			pipeStream(ctx, sess, stream.ID, logger)
			return sess.Close(0)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./wraith.yaml", "Path to configuration file")

	return cmd
}

func handleInboundSession(ctx context.Context, sess *node.Session, logger *slog.Logger) {
	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		return
	}
	logger.Info("session accepted", "remote", sess.LocalAddr(), "stream", stream.ID)
	pipeStream(ctx, sess, stream.ID, logger)
}

// pipeStream bridges stdin/stdout to a session stream until either side
// closes. It is deliberately simple: one stream at a time, reads of up to
// 4096 bytes from buffered stdin (not split on lines), no backpressure
// beyond what Send/Recv already apply.
func pipeStream(ctx context.Context, sess *node.Session, streamID uint16, logger *slog.Logger) {
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			data, err := sess.Recv(ctx, streamID)
			if err != nil {
				return
			}
			os.Stdout.Write(data)
		}
	}()

	reader := bufio.NewReader(os.Stdin)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if sendErr := sess.Send(ctx, streamID, append([]byte(nil), buf[:n]...)); sendErr != nil {
				logger.Info("send failed", "error", sendErr)
				break
			}
		}
		if err != nil {
			if err != io.EOF {
				logger.Info("stdin read failed", "error", err)
			}
			break
		}
	}
	sess.CloseStream(streamID)
	<-done
}

// buildNode translates a config.Config into a running node.Node, resolving
// the TLS material the mimicry carrier needs and generating a self-signed
// certificate when none was configured.
func buildNode(cfg *config.Config) (*node.Node, *slog.Logger, error) {
	kp, created, err := cfg.LoadIdentity()
	if err != nil {
		return nil, nil, fmt.Errorf("load identity: %w", err)
	}

	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if created {
		logger.Info("identity created", "data_dir", cfg.Identity.DataDir)
	}

	suiteID, err := cfg.SuiteID()
	if err != nil {
		return nil, nil, err
	}
	profile, err := cfg.Mimicry.Profile()
	if err != nil {
		return nil, nil, err
	}
	timing, err := cfg.Timing.Resolve()
	if err != nil {
		return nil, nil, err
	}
	padding, err := cfg.Padding.Resolve(1400)
	if err != nil {
		return nil, nil, err
	}

	var tlsConfig *tls.Config
	if profile.Mimicry == obfuscate.MimicryTLS {
		tlsConfig, err = resolveTLSConfig(cfg.Mimicry)
		if err != nil {
			return nil, nil, err
		}
	}

	var ticketKey []byte
	if cfg.Resumption.TicketKeyHex != "" {
		ticketKey, err = hex.DecodeString(strings.TrimSpace(cfg.Resumption.TicketKeyHex))
		if err != nil {
			return nil, nil, fmt.Errorf("config: invalid resumption.ticket_key_hex: %w", err)
		}
	}

	n, err := node.NewNode(node.Config{
		Identity:         kp,
		Suite:            suiteID,
		ListenAddr:       cfg.Listen.Address,
		Profile:          profile,
		TLSConfig:        tlsConfig,
		Timing:           timing,
		Padding:          padding,
		Streams:          cfg.Streams.Resolve(),
		Limits:           cfg.Limits.Resolve(),
		RateLimit:        cfg.Limits.RateLimit,
		RateLimitWindow:  cfg.Limits.RateLimitWindow,
		TicketKey:        ticketKey,
		ResumptionTTL:    cfg.Resumption.TTL,
		MigrationTimeout: cfg.Timeouts.Migration,
		HandshakeTimeout: cfg.Timeouts.Handshake,
		Logger:           logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("start node: %w", err)
	}
	return n, logger, nil
}

// resolveTLSConfig loads the configured certificate pair for the "tls"
// mimicry carrier, generating and discarding a self-signed one if none was
// configured on disk.
func resolveTLSConfig(m config.MimicryConfig) (*tls.Config, error) {
	var gc *certutil.GeneratedCert
	var err error
	if m.CertFile != "" && m.KeyFile != "" {
		gc, err = certutil.LoadCert(m.CertFile, m.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load tls carrier cert: %w", err)
		}
	} else {
		gc, err = certutil.GenerateCert(certutil.DefaultServerOptions("wraith"))
		if err != nil {
			return nil, fmt.Errorf("generate self-signed tls carrier cert: %w", err)
		}
	}
	cert, err := gc.TLSCertificate()
	if err != nil {
		return nil, fmt.Errorf("build tls certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func certCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Certificate management for the TLS mimicry carrier",
		Long:  "Generate and inspect the certificates the \"tls\" mimicry carrier presents.",
	}

	cmd.AddCommand(certCACmd())
	cmd.AddCommand(certAgentCmd())
	cmd.AddCommand(certInfoCmd())

	return cmd
}

func certCACmd() *cobra.Command {
	var commonName, outDir string
	var validDays int

	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Generate a CA certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			ca, err := certutil.GenerateCA(commonName, time.Duration(validDays)*24*time.Hour)
			if err != nil {
				return fmt.Errorf("generate CA: %w", err)
			}
			certPath, keyPath := outDir+"/ca.crt", outDir+"/ca.key"
			if err := ca.SaveToFiles(certPath, keyPath); err != nil {
				return fmt.Errorf("save CA: %w", err)
			}
			fmt.Printf("CA certificate: %s\nCA key:         %s\nFingerprint:    %s\n", certPath, keyPath, ca.Fingerprint())
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "WRAITH CA", "Common name for the CA")
	cmd.Flags().StringVarP(&outDir, "out", "o", "./certs", "Output directory")
	cmd.Flags().IntVar(&validDays, "days", 825, "Validity period in days")

	return cmd
}

func certAgentCmd() *cobra.Command {
	var commonName, outDir, caPath, caKeyPath, dnsNames string
	var validDays int

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Generate a node certificate signed by a CA",
		RunE: func(cmd *cobra.Command, args []string) error {
			if commonName == "" {
				return fmt.Errorf("common name is required")
			}
			ca, err := certutil.LoadCert(caPath, caKeyPath)
			if err != nil {
				return fmt.Errorf("load CA: %w", err)
			}
			opts := certutil.DefaultPeerOptions(commonName)
			opts.ValidFor = time.Duration(validDays) * 24 * time.Hour
			opts.ParentCert = ca.Certificate
			opts.ParentKey = ca.PrivateKey
			if dnsNames != "" {
				opts.DNSNames = append(opts.DNSNames, strings.Split(dnsNames, ",")...)
			}
			cert, err := certutil.GenerateCert(opts)
			if err != nil {
				return fmt.Errorf("generate certificate: %w", err)
			}
			certPath, keyPath := outDir+"/"+commonName+".crt", outDir+"/"+commonName+".key"
			if err := cert.SaveToFiles(certPath, keyPath); err != nil {
				return fmt.Errorf("save certificate: %w", err)
			}
			fmt.Printf("Certificate: %s\nKey:         %s\nFingerprint: %s\n", certPath, keyPath, cert.Fingerprint())
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "", "Common name for the certificate (required)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "./certs", "Output directory")
	cmd.Flags().IntVar(&validDays, "days", 90, "Validity period in days")
	cmd.Flags().StringVar(&caPath, "ca", "./certs/ca.crt", "Path to CA certificate")
	cmd.Flags().StringVar(&caKeyPath, "ca-key", "./certs/ca.key", "Path to CA private key")
	cmd.Flags().StringVar(&dnsNames, "dns", "", "Additional DNS names (comma-separated)")
	_ = cmd.MarkFlagRequired("cn")

	return cmd
}

func certInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <certificate>",
		Short: "Display certificate information",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := certutil.GetCertInfoFromFile(args[0])
			if err != nil {
				return fmt.Errorf("read certificate: %w", err)
			}
			fmt.Printf("Subject:     %s\n", info.Subject)
			fmt.Printf("Issuer:      %s\n", info.Issuer)
			fmt.Printf("Fingerprint: %s\n", info.Fingerprint)
			fmt.Printf("Not before:  %s\n", info.NotBefore.Format(time.RFC3339))
			fmt.Printf("Not after:   %s\n", info.NotAfter.Format(time.RFC3339))
			return nil
		},
	}
	return cmd
}
