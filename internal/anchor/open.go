package anchor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Mode selects the Ledger implementation.
type Mode string

const (
	ModeDisabled  Mode = "disabled"
	ModeHTTP      Mode = "http"
	ModeSimulated Mode = "simulated"
)

// OpenLedger builds the Ledger for mode. It returns ErrDisabled when mode is
// disabled or when the remote gateway does not answer a ping at startup; the
// caller should then run without anchoring.
func OpenLedger(ctx context.Context, mode Mode, cfg HTTPConfig, logger *zap.Logger) (Ledger, error) {
	switch mode {
	case "", ModeDisabled:
		return nil, ErrDisabled
	case ModeSimulated:
		logger.Info("anchoring to simulated in-process ledger")
		return NewSimulatedLedger(50 * time.Millisecond), nil
	case ModeHTTP:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("%w: anchor.url not set", ErrDisabled)
		}
		l := NewHTTPLedger(cfg)
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := l.Ping(pctx); err != nil {
			return nil, fmt.Errorf("%w: ledger unreachable: %v", ErrDisabled, err)
		}
		logger.Info("anchoring to remote ledger", zap.String("url", cfg.BaseURL))
		return l, nil
	}
	return nil, fmt.Errorf("unknown anchor mode %q", mode)
}
