package worker

import (
	"context"
	"time"

	"SwapGateway/internal/chain"

	"go.uber.org/zap"
)

// Stream is one cosmos network followed over its Tendermint websocket.
type Stream struct {
	Network   string
	Endpoints []string
	Denom     string
	// FailoverThreshold is the number of consecutive failures before the
	// next endpoint is tried.
	FailoverThreshold int
}

const (
	reconnectDelay = 3 * time.Second
	readTimeout    = 90 * time.Second
)

func (w *Worker) RunWS(ctx context.Context, s Stream) {
	if len(s.Endpoints) == 0 {
		w.Log.Info("ws disabled: no endpoints", zap.String("network", s.Network))
		return
	}
	threshold := s.FailoverThreshold
	if threshold <= 0 {
		threshold = 3
	}
	idx, failures := 0, 0
	fail := func() {
		failures++
		if failures >= threshold && len(s.Endpoints) > 1 {
			idx = (idx + 1) % len(s.Endpoints)
			failures = 0
			w.Log.Warn("ws failover", zap.String("network", s.Network), zap.String("endpoint", s.Endpoints[idx]))
		}
		select {
		case <-ctx.Done():
		case <-time.After(reconnectDelay):
		}
	}

	for ctx.Err() == nil {
		endpoint := s.Endpoints[idx]
		client := chain.NewWSClient(endpoint)
		client.ReadTimeout = readTimeout
		if err := client.Connect(ctx); err != nil {
			w.Log.Warn("ws connect failed", zap.String("network", s.Network), zap.Error(err))
			fail()
			continue
		}
		if err := client.Subscribe(ctx, "tm.event='Tx'"); err != nil {
			w.Log.Warn("ws subscribe failed", zap.String("network", s.Network), zap.Error(err))
			client.Close()
			fail()
			continue
		}
		w.Log.Info("ws connected", zap.String("network", s.Network), zap.String("endpoint", endpoint))
		failures = 0
		// unblocks a pending read on shutdown
		stop := context.AfterFunc(ctx, client.Close)

		for {
			msg, err := client.Read(ctx)
			if err != nil {
				if ctx.Err() == nil {
					w.Log.Warn("ws read failed", zap.String("network", s.Network), zap.Error(err))
				}
				break
			}
			w.handleMessage(ctx, s, msg)
		}
		stop()
		client.Close()
		fail()
	}
}

// handleMessage validates the open orders paying to any recipient of a
// successful transfer in msg.
func (w *Worker) handleMessage(ctx context.Context, s Stream, msg []byte) {
	tx, ok, err := chain.ParseWSTx(msg)
	if err != nil {
		w.Log.Debug("ws parse failed", zap.String("network", s.Network), zap.Error(err))
		return
	}
	if !ok || tx.Code != 0 {
		return
	}
	recipients := chain.Recipients(tx, s.Denom)
	if len(recipients) == 0 || w.Validator == nil {
		return
	}
	outcomes, err := w.Validator.ValidateAddresses(ctx, recipients)
	if err != nil {
		w.Log.Warn("ws validation failed", zap.String("network", s.Network), zap.String("tx_hash", tx.Hash), zap.Error(err))
	}
	for _, o := range outcomes {
		if o.Changed {
			w.Log.Info("ws payment detected",
				zap.String("order_id", o.OrderID),
				zap.String("status", string(o.Status)),
				zap.String("tx_hash", tx.Hash),
			)
		}
	}
}
