package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"

	"risktrajectory/internal/config"
	"risktrajectory/internal/model"
)

// StartTCPStream accepts newline-delimited samples from bedside gateways.
// Each connection gets its own parser so CSV headers do not leak across peers.
func StartTCPStream(ctx context.Context, cfg *config.Manager, out chan<- model.PatientSample, logger *slog.Logger) net.Listener {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", current.Addr)
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("tcp stream listen error", "err", err)
		}
		return nil
	}
	ServeTCPStream(ctx, ln, cfg, out, logger)
	return ln
}

func ServeTCPStream(ctx context.Context, ln net.Listener, cfg *config.Manager, out chan<- model.PatientSample, logger *slog.Logger) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				if logger != nil {
					logger.Warn("tcp stream accept error", "err", err)
				}
				continue
			}
			go handleTCPStreamConn(ctx, conn, cfg, out, logger)
		}
	}()
}

func handleTCPStreamConn(ctx context.Context, conn net.Conn, cfg *config.Manager, out chan<- model.PatientSample, logger *slog.Logger) {
	defer conn.Close()
	parser := NewParser()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		ps, ok, err := decodeLine(parser, scanner.Text(), cfg.Get(), "tcp_stream", "")
		if err != nil {
			if logger != nil {
				logger.Warn("tcp stream sample rejected", "remote", conn.RemoteAddr().String(), "err", err)
			}
			continue
		}
		if ok {
			SendNonBlocking(ctx, out, ps, logger)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	if err := scanner.Err(); err != nil && logger != nil {
		logger.Warn("tcp stream scanner error", "err", err)
	}
}
