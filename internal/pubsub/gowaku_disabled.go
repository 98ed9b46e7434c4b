//go:build !real_waku

package pubsub

import "log/slog"

func newGoWakuBackend(Config, string, *slog.Logger) backend {
	return nil
}
