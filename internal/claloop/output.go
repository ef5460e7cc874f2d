package claloop

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dtn-stack/bpcore/internal/dequeue"
	"github.com/dtn-stack/bpcore/internal/logger"
	"github.com/dtn-stack/bpcore/internal/model"
)

// DefaultCustodyInterval is the custody-due timer this adapter installs
// once it has confirmed a frame made it onto the wire, for outducts
// carrying custodial bundles (spec §4.9 "stewardship" timeoutInterval
// choice: the CLA, not the engine, decides when transmission is
// confirmed).
const DefaultCustodyInterval = 2 * time.Minute

// DefaultRedialBackoff is how long Output waits after a failed dial before
// retrying, so a CLA output adapter doesn't spin a reconnect loop.
const DefaultRedialBackoff = time.Second

// Output is a CLA output adapter (spec §6 "CLA output interface"): it
// dials DialAddr, then repeatedly calls internal/dequeue.Engine.Dequeue for
// one outduct and writes the resulting frame as a length-prefixed message.
// Satisfies internal/node.OutputAdapter.
type Output struct {
	Dequeue    *dequeue.Engine
	OutductRef model.Ref
	DialAddr   string

	CustodyInterval time.Duration
	RedialBackoff   time.Duration
}

// Serve implements node.OutputAdapter.
func (out *Output) Serve(ctx context.Context) error {
	backoff := out.RedialBackoff
	if backoff <= 0 {
		backoff = DefaultRedialBackoff
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", out.DialAddr)
		if err != nil {
			logger.WarnCtx(ctx, "claloop: dial failed, retrying", logger.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
				continue
			}
		}

		if err := out.serveConn(ctx, conn); err != nil && !errors.Is(err, context.Canceled) {
			logger.WarnCtx(ctx, "claloop: output connection lost", logger.Err(err))
		}
		_ = conn.Close()

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func (out *Output) serveConn(ctx context.Context, conn net.Conn) error {
	var writeMu sync.Mutex
	custodyInterval := out.CustodyInterval
	if custodyInterval <= 0 {
		custodyInterval = DefaultCustodyInterval
	}

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
		// Negative timeoutInterval: this adapter confirms transmission itself
		// (stewardship), so the engine installs no custody timer up front.
		result, err := out.Dequeue.Dequeue(ctx, out.OutductRef, -1)
		if err != nil {
			return err
		}

		frame, ferr := out.readWireFrame(ctx, result.ZCO, result.Length)
		if ferr != nil {
			_ = out.Dequeue.HandleXmitFailure(ctx, result.ZCO)
			return ferr
		}

		if werr := writeFrame(conn, &writeMu, 0, frame); werr != nil {
			_ = out.Dequeue.HandleXmitFailure(ctx, result.ZCO)
			return werr
		}

		if err := out.Dequeue.HandleXmitSuccess(ctx, result.ZCO, custodyInterval); err != nil {
			logger.WarnCtx(ctx, "claloop: handleXmitSuccess failed", logger.Err(err))
		}
	}
}

func (out *Output) readWireFrame(ctx context.Context, ref model.Ref, length uint64) ([]byte, error) {
	r, err := out.Dequeue.ZCO.NewReader(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
