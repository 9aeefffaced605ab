package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lucid-network/compression"
	"lucid-network/merkle"
	"lucid-network/pipeline"
	"lucid-network/rdp"
	"lucid-network/sessioncrypto"
)

// sessionServerConfig carries the slice of node configuration the RDP
// listener needs per accepted connection.
type sessionServerConfig struct {
	ListenAddr          string
	MaxPacketBytes      int
	HandshakeTimeout    time.Duration
	PrivacyShield       bool
	FrameStrideBytes    int
	ChunkSizeBytes      int
	ChunkFlushInterval  time.Duration
	CompressionAlgo     compression.Algorithm
	CompressionLevel    int
	AEADAlgorithm       sessioncrypto.Algorithm
	KeyRotationInterval time.Duration
	DataDir             string
	PaymentPollTimeout  time.Duration
}

// sessionServer accepts RDP connections and drives each one through a
// dedicated pipeline.Coordinator, from handshake to anchor.
type sessionServer struct {
	cfg         sessionServerConfig
	anchoring   pipeline.AnchoringClient
	paymentGate pipeline.PaymentGate
	log         *logrus.Logger
}

func newSessionServer(cfg sessionServerConfig, anchoring pipeline.AnchoringClient, paymentGate pipeline.PaymentGate, log *logrus.Logger) *sessionServer {
	if log == nil {
		log = logrus.New()
	}
	return &sessionServer{cfg: cfg, anchoring: anchoring, paymentGate: paymentGate, log: log}
}

// Serve accepts connections on listener until ctx is cancelled or the
// listener errors. Each connection is handled on its own goroutine.
func (s *sessionServer) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *sessionServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	sessionID := uuid.NewString()
	log := s.log.WithField("session_id", sessionID)

	session := &pipeline.Session{ID: sessionID}
	compressor, err := compression.New(s.cfg.CompressionAlgo, s.cfg.CompressionLevel)
	if err != nil {
		log.WithError(err).Error("construct compressor")
		return
	}
	encryptor, err := sessioncrypto.NewEncryptor(sessionID, s.cfg.AEADAlgorithm, s.cfg.KeyRotationInterval)
	if err != nil {
		log.WithError(err).Error("construct encryptor")
		return
	}
	storeFn := s.chunkStorer(sessionID)

	coordinator, err := pipeline.NewCoordinator(session, compressor, encryptor, merkle.AlgorithmBLAKE3, s.anchoring, s.paymentGate, storeFn, s.log)
	if err != nil {
		log.WithError(err).Error("construct coordinator")
		return
	}

	if err := s.awaitPayment(ctx, coordinator); err != nil {
		log.WithError(err).Warn("session payment not confirmed, closing connection")
		coordinator.CancelPending("payment not confirmed before timeout")
		return
	}

	if err := conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		log.WithError(err).Error("set handshake deadline")
		return
	}
	result, err := rdp.Handshake(conn, sessionID)
	if err != nil {
		log.WithError(err).Warn("rdp handshake failed")
		coordinator.Fail(fmt.Sprintf("handshake failed: %v", err))
		return
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		log.WithError(err).Error("clear connection deadline")
		return
	}
	if err := coordinator.CompleteHandshake(result.OwnerAddress, result.Policy); err != nil {
		log.WithError(err).Error("complete handshake")
		return
	}

	handler := rdp.NewHandler(s.cfg.PrivacyShield, s.cfg.FrameStrideBytes)
	src := &pduCaptureSource{conn: conn, handler: handler, policy: result.Policy, log: s.log}

	assembler := pipeline.NewChunkAssembler(s.cfg.ChunkSizeBytes, s.cfg.ChunkFlushInterval)
	chunkCh, errc := assembler.Run(ctx, src)
	if err := coordinator.ProcessChunks(ctx, chunkCh); err != nil {
		log.WithError(err).Warn("chunk processing ended")
		coordinator.Fail(fmt.Sprintf("chunk processing error: %v", err))
		return
	}
	if err := <-errc; err != nil {
		log.WithError(err).Debug("capture source drained")
	}

	if err := coordinator.FinalizeCapture(ctx); err != nil {
		log.WithError(err).Warn("session finalize failed")
		return
	}
	log.Info("session completed and anchored")
}

// awaitPayment blocks until the session's linked payment request confirms or
// PaymentPollTimeout elapses, then runs ConfirmPayment.
func (s *sessionServer) awaitPayment(ctx context.Context, coordinator *pipeline.Coordinator) error {
	deadline := time.Now().Add(s.cfg.PaymentPollTimeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		err := coordinator.ConfirmPayment(ctx)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// chunkStorer returns a storeFn that writes each chunk's encrypted packet
// envelope to its own file under dataDir/sessionID, recording the resulting
// path as the chunk's storage locator. The plaintext RawBytes never touches
// disk — only the serialized chunk packet (sessioncrypto.Packet.Marshal)
// that IngestChunk populates onto chunk.EncryptedPacket is persisted.
func (s *sessionServer) chunkStorer(sessionID string) func(*pipeline.Chunk) error {
	dir := filepath.Join(s.cfg.DataDir, "sessions", sessionID)
	return func(chunk *pipeline.Chunk) error {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create session chunk dir: %w", err)
		}
		path := filepath.Join(dir, fmt.Sprintf("chunk-%06d.json", chunk.Index))
		if err := os.WriteFile(path, chunk.EncryptedPacket, 0o640); err != nil {
			return fmt.Errorf("write chunk %d: %w", chunk.Index, err)
		}
		chunk.StorageLocator = path
		return nil
	}
}

// pduCaptureSource adapts an accepted RDP connection into a
// pipeline.CaptureSource: every PDU is dispatched through the Protocol
// Handler first, so denied or unknown PDUs never reach the pipeline.
type pduCaptureSource struct {
	conn    net.Conn
	handler *rdp.Handler
	policy  pipeline.Policy
	log     *logrus.Logger
}

func (src *pduCaptureSource) Recv(ctx context.Context) (pipeline.Payload, error) {
	for {
		select {
		case <-ctx.Done():
			return pipeline.Payload{}, ctx.Err()
		default:
		}

		pdu, err := rdp.ReadPDU(src.conn)
		if err != nil {
			return pipeline.Payload{}, err
		}

		result := src.handler.Dispatch(pdu, src.policy)
		if result.Violation != nil {
			src.log.WithFields(logrus.Fields{
				"kind":   result.Violation.Kind,
				"detail": result.Violation.Detail,
			}).Warn("rdp policy violation")
			if result.Critical {
				return pipeline.Payload{}, fmt.Errorf("rdp: %s: %s", result.Violation.Kind, result.Violation.Detail)
			}
			continue
		}
		if !result.Forward {
			continue
		}
		return pipeline.Payload{Kind: result.Kind, Timestamp: time.Now().UTC(), Data: result.Body}, nil
	}
}
