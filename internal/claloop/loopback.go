package claloop

import (
	"context"
	"net"
	"sync"

	"github.com/dtn-stack/bpcore/internal/acquisition"
	"github.com/dtn-stack/bpcore/internal/dequeue"
	"github.com/dtn-stack/bpcore/internal/model"
)

// Loopback pairs an Output and an Input over an in-process net.Pipe instead
// of a real socket, for cmd/bpnode's default single-node configuration and
// for tests that want to exercise the CLA boundary without opening a port.
type Loopback struct {
	Dequeue     *dequeue.Engine
	Acquisition *acquisition.Engine
	OutductRef  model.Ref
	InductRef   model.Ref

	Authentic bool
	SenderEID string
}

// Serve implements both node.InputAdapter and node.OutputAdapter: a single
// net.Pipe is created per call and driven until ctx is canceled, so a
// Loopback can be attached as both the node's one induct and its one
// outduct.
func (lb *Loopback) Serve(ctx context.Context) error {
	client, server := net.Pipe()

	var wg sync.WaitGroup
	wg.Add(2)

	var inErr, outErr error
	go func() {
		defer wg.Done()
		inErr = (&pipeInput{acq: lb.Acquisition, inductRef: lb.InductRef, authentic: lb.Authentic, senderEID: lb.SenderEID}).serve(ctx, server)
	}()
	go func() {
		defer wg.Done()
		outErr = (&pipeOutput{dq: lb.Dequeue, outductRef: lb.OutductRef}).serve(ctx, client)
	}()

	wg.Wait()
	if outErr != nil {
		return outErr
	}
	return inErr
}

type pipeInput struct {
	acq       *acquisition.Engine
	inductRef model.Ref
	authentic bool
	senderEID string
}

func (p *pipeInput) serve(ctx context.Context, conn net.Conn) error {
	in := &Input{Acquisition: p.acq, InductRef: p.inductRef, Authentic: p.authentic, SenderEID: p.senderEID}
	in.serveConn(ctx, conn)
	return nil
}

type pipeOutput struct {
	dq         *dequeue.Engine
	outductRef model.Ref
}

func (p *pipeOutput) serve(ctx context.Context, conn net.Conn) error {
	out := &Output{Dequeue: p.dq, OutductRef: p.outductRef}
	return out.serveConn(ctx, conn)
}
