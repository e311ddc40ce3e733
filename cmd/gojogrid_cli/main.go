package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/sushant-115/gojogrid/config/certs"
	"github.com/sushant-115/gojogrid/core/transport"
	"github.com/sushant-115/gojogrid/pkg/connection"
	"github.com/sushant-115/gojogrid/pkg/logger"
)

var (
	addr     = flag.String("addr", "127.0.0.1:7400", "gRPC address of the node that coordinates transactions")
	timeout  = flag.Duration("timeout", 10*time.Second, "RPC timeout")
	tlsDir   = flag.String("tls_dir", "", "directory with ca.crt, client.crt and client.key; empty for plaintext")
	logLevel = flag.String("log_level", "warn", "log level")
)

func main() {
	flag.Parse()
	log.SetFlags(0)

	zlogger, err := logger.New(logger.Config{Level: *logLevel, Format: "console", OutputFile: "stderr", Service: "gojogrid-cli"})
	if err != nil {
		log.Fatalf("Can't initialize zap logger: %v", err)
	}
	defer zlogger.Sync()

	var opts []grpc.DialOption
	if *tlsDir != "" {
		opt, err := certs.Config{Enabled: true, Dir: *tlsDir}.DialOption()
		if err != nil {
			zlogger.Fatal("Failed to load TLS material", zap.Error(err))
		}
		opts = append(opts, opt)
	}
	pool := connection.NewPoolManager(zlogger, opts...)
	defer pool.Close()
	client := transport.NewClient(uuid.New(), pool, transport.ClientConfig{RequestTimeout: *timeout}, zlogger)

	s := newSession(*addr, client, os.Stdout)
	ctx := context.Background()

	// Commands given as arguments are separated by ';'.
	if args := flag.Args(); len(args) > 0 {
		for _, cmd := range strings.Split(strings.Join(args, " "), ";") {
			if !s.process(ctx, strings.Fields(cmd)) {
				return
			}
		}
		return
	}
	shellLoop(ctx, s)
}

func shellLoop(ctx context.Context, s *session) {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "gojogrid> ",
		HistoryFile:       filepath.Join(os.TempDir(), "gojogrid_cli.history"),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		log.Fatalf("Failed to start shell: %v", err)
	}
	defer l.Close()

	fmt.Printf("GojoGrid CLI connected to %s. Type 'help' for commands.\n", *addr)
	for {
		line, err := l.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return
			}
			continue
		}
		if !s.process(ctx, strings.Fields(line)) {
			return
		}
	}
}
