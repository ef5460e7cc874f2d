package claloop

import (
	"context"
	"net"
	"sync"

	"github.com/dtn-stack/bpcore/internal/acquisition"
	"github.com/dtn-stack/bpcore/internal/logger"
	"github.com/dtn-stack/bpcore/internal/model"
)

// Input is a CLA input adapter (spec §6 "CLA input interface"): it listens
// on ListenAddr, and for every connection reads length-prefixed frames and
// drives one internal/acquisition.AcqWorkArea per frame to completion.
// Satisfies internal/node.InputAdapter.
type Input struct {
	Acquisition *acquisition.Engine
	ListenAddr  string

	// InductRef names this adapter's induct registration, passed through to
	// BeginAcq so a congestive acquisition can mark that induct's tally
	// (spec §4.6). May be empty if the adapter has no induct registered.
	InductRef model.Ref

	// Authentic marks every frame accepted on this induct as sent by an
	// authenticated peer, carrying SenderEID as the dossier's asserted
	// sender (spec §4.6 beginAcq "authentic, senderEID").
	Authentic bool
	SenderEID string

	mu       sync.Mutex
	listener net.Listener
}

// Serve implements node.InputAdapter.
func (in *Input) Serve(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", in.ListenAddr)
	if err != nil {
		return err
	}
	in.mu.Lock()
	in.listener = ln
	in.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			in.serveConn(ctx, conn)
		}()
	}
}

func (in *Input) serveConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, err := readFrame(conn, 0)
		if err != nil {
			return
		}

		area := in.Acquisition.BeginAcq(in.Authentic, in.SenderEID, in.InductRef)
		if err := area.ContinueAcq(ctx, frame); err != nil {
			logger.WarnCtx(ctx, "claloop: continueAcq failed", logger.Err(err))
			_ = area.CancelAcq(ctx)
			continue
		}
		code, err := area.EndAcq(ctx)
		if err != nil {
			logger.WarnCtx(ctx, "claloop: endAcq failed", logger.Err(err))
		}
		if code == model.CodeFatal {
			return
		}
	}
}
