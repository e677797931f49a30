package platform

import (
	"context"
	"fmt"
)

// SupportModule is a side service that lives for the duration of a run,
// such as the status server.
type SupportModule interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// startSupportModules starts modules in order. On failure the ones already
// started are stopped in reverse order.
func startSupportModules(ctx context.Context, modules []SupportModule) ([]SupportModule, error) {
	started := make([]SupportModule, 0, len(modules))
	names := make(map[string]struct{}, len(modules))
	for i, module := range modules {
		if module == nil {
			stopSupportModules(ctx, started)
			return nil, fmt.Errorf("support module is nil at index %d", i)
		}
		name := module.Name()
		if name == "" {
			stopSupportModules(ctx, started)
			return nil, fmt.Errorf("support module name is required at index %d", i)
		}
		if _, exists := names[name]; exists {
			stopSupportModules(ctx, started)
			return nil, fmt.Errorf("duplicate support module: %s", name)
		}
		if err := module.Start(ctx); err != nil {
			stopSupportModules(ctx, started)
			return nil, fmt.Errorf("start support module %s: %w", name, err)
		}
		names[name] = struct{}{}
		started = append(started, module)
	}
	return started, nil
}

func stopSupportModules(ctx context.Context, modules []SupportModule) {
	for i := len(modules) - 1; i >= 0; i-- {
		_ = modules[i].Stop(ctx)
	}
}
