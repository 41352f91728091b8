package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"drawfeed/internal/endpoint"
)

// SimulateFailover 对指定来源的当前端点注入连续失败，演练自动切换与告警流程。
// 不访问网络，也不写数据库。
func (a *App) SimulateFailover(ctx context.Context, opts SimulateOptions) error {
	src, ok := a.Config.Source(opts.SourceType)
	if !ok {
		return fmt.Errorf("未知来源 %q", opts.SourceType)
	}
	if !src.Pooled {
		return fmt.Errorf("来源 %q 不是端点池，无法演练切换", opts.SourceType)
	}

	rt, err := a.build(ctx, false)
	if err != nil {
		return err
	}
	defer rt.close()
	defer rt.dispatcher.Flush(ctx)

	failures := opts.Failures
	if failures <= 0 {
		failures = rt.registry.Policy(src.Type).FailureThreshold
	}

	current, err := rt.registry.GetBestEndpoint(src.Type)
	if err != nil {
		return err
	}
	a.Logger.Info().Str("source", src.Type).Str("endpoint", current.ID).Int("failures", failures).Msg("injecting simulated failures")

	cause := errors.New("simulated upstream failure")
	for i := 0; i < failures; i++ {
		if _, err := rt.registry.RecordFailure(ctx, current.ID, cause, true); err != nil {
			if errors.Is(err, endpoint.ErrNoEndpointAvailable) {
				a.Logger.Error().Str("source", src.Type).Msg("no alternative endpoint, source is down")
				break
			}
			return err
		}
	}

	if err := writeHistory(os.Stdout, rt.registry.History(src.Type, 0)); err != nil {
		return err
	}
	return writeEndpoints(os.Stdout, rt.registry)
}
