// Command htxecho is a minimal demonstration of the betanet transport: a
// server that echoes back whatever it reads on every substream a client
// opens, and a client that opens a few substreams and exercises the echo.
//
// Usage:
//
//	htxecho server -listen :8443 -key server.key -peer-pub client.pub
//	htxecho client -connect 127.0.0.1:8443 -key client.key -peer-pub server.pub
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	betanet "github.com/opd-ai/betanet"
	"github.com/opd-ai/betanet/crypto"
	"github.com/opd-ai/betanet/noise"
	"github.com/sirupsen/logrus"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		printUsage()
		return 1
	}

	switch args[0] {
	case "server":
		return runServer(args[1:])
	case "client":
		return runClient(args[1:])
	case "-help", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "htxecho: unknown subcommand %q\n\n", args[0])
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Println("htxecho - demonstration echo server/client over betanet")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  htxecho server -listen ADDR -key PATH -peer-pub PATH")
	fmt.Println("  htxecho client -connect ADDR -key PATH -peer-pub PATH")
}

func loadPrivateKeyFile(path string) ([32]byte, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return [32]byte{}, fmt.Errorf("read %s: %w", path, err)
	}
	return crypto.LoadPrivateKey(blob)
}

func loadPublicKeyFile(path string) ([32]byte, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return [32]byte{}, fmt.Errorf("read %s: %w", path, err)
	}
	return crypto.LoadPublicKey(blob)
}

func runServer(args []string) int {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	listen := fs.String("listen", ":8443", "address to listen on")
	keyPath := fs.String("key", "server.key", "server private key file")
	peerPubPath := fs.String("peer-pub", "client.pub", "expected client public key file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	localPriv, err := loadPrivateKeyFile(*keyPath)
	if err != nil {
		logrus.WithError(err).Error("load server key")
		return 1
	}
	peerPub, err := loadPublicKeyFile(*peerPubPath)
	if err != nil {
		logrus.WithError(err).Error("load expected client key")
		return 1
	}

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		logrus.WithError(err).Error("listen")
		return 1
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	setupSignalHandling(cancel)

	logrus.WithFields(logrus.Fields{"addr": *listen}).Info("htxecho server listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	authorize := noise.ExpectedPeer(peerPub)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				logrus.Info("server shutting down")
				return 0
			default:
			}
			logrus.WithError(err).Warn("accept")
			continue
		}
		go handleConnection(ctx, conn, localPriv, authorize)
	}
}

func handleConnection(ctx context.Context, conn net.Conn, localPriv [32]byte, authorize noise.PeerAuthorizer) {
	defer conn.Close()

	log := logrus.WithFields(logrus.Fields{"remote_addr": conn.RemoteAddr().String()})

	session, err := betanet.Accept(ctx, conn, localPriv, authorize)
	if err != nil {
		log.WithError(err).Warn("accept handshake failed")
		return
	}
	defer session.Close()

	log.WithFields(logrus.Fields{"peer": fmt.Sprintf("%x", session.Remote[:8])}).Info("session established")

	for {
		stream, err := session.AcceptStream(ctx)
		if err != nil {
			log.WithError(err).Debug("accept stream ended")
			return
		}
		go echoStream(log, stream)
	}
}

type echoCloser interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

func echoStream(log *logrus.Entry, stream echoCloser) {
	defer stream.Close()

	buf := make([]byte, 1024)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			log.Debugf("received: %s", buf[:n])
			if _, werr := stream.Write(buf[:n]); werr != nil {
				log.WithError(werr).Warn("echo write failed")
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func runClient(args []string) int {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	connect := fs.String("connect", "127.0.0.1:8443", "address to connect to")
	keyPath := fs.String("key", "client.key", "client private key file")
	peerPubPath := fs.String("peer-pub", "server.pub", "server public key file")
	streams := fs.Int("streams", 3, "number of substreams to open")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	localPriv, err := loadPrivateKeyFile(*keyPath)
	if err != nil {
		logrus.WithError(err).Error("load client key")
		return 1
	}
	peerPub, err := loadPublicKeyFile(*peerPubPath)
	if err != nil {
		logrus.WithError(err).Error("load server key")
		return 1
	}

	conn, err := net.Dial("tcp", *connect)
	if err != nil {
		logrus.WithError(err).Error("dial")
		return 1
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	setupSignalHandling(cancel)

	session, err := betanet.Dial(ctx, conn, localPriv, peerPub)
	if err != nil {
		logrus.WithError(err).Error("handshake")
		return 1
	}
	defer session.Close()

	fmt.Println("handshake complete, opening substreams")

	for i := 0; i < *streams; i++ {
		stream, err := session.OpenStream(ctx)
		if err != nil {
			logrus.WithError(err).Errorf("open stream %d", i)
			return 1
		}
		msg := fmt.Sprintf("hello from stream %d", i)
		if _, err := stream.Write([]byte(msg)); err != nil {
			logrus.WithError(err).Errorf("write stream %d", i)
			return 1
		}

		reader := bufio.NewReader(stream)
		buf := make([]byte, len(msg))
		if _, err := readFull(reader, buf); err != nil {
			logrus.WithError(err).Errorf("read stream %d", i)
			return 1
		}
		fmt.Printf("[stream %d] echoed: %s\n", i, buf)
		stream.Close()
		time.Sleep(200 * time.Millisecond)
	}

	return 0
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := r.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}

func setupSignalHandling(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logrus.WithFields(logrus.Fields{"signal": sig.String()}).Info("received interrupt, shutting down")
		cancel()
	}()
}
