package plugins

import (
	"context"
	"errors"
	"fmt"

	"github.com/snapguard/snapguard/internal/store/types"
)

var ErrUnsupportedProtocol = errors.New("unsupported protocol")

// Plugin tests connectivity to a device over one wire protocol.
type Plugin interface {
	Protocol() types.Protocol
	TestConnection(ctx context.Context, device types.Device) error
}

// Registry is the immutable protocol→plugin map. The protocol set is closed,
// so the map is built once at startup; changing it requires a restart.
type Registry struct {
	plugins map[types.Protocol]Plugin
}

func NewRegistry() *Registry {
	registry := &Registry{plugins: make(map[types.Protocol]Plugin)}
	for _, plugin := range []Plugin{
		&smbPlugin{},
		&sshPlugin{},
		&rsyncPlugin{},
	} {
		registry.plugins[plugin.Protocol()] = plugin
	}
	return registry
}

func (r *Registry) GetPlugin(protocol types.Protocol) (Plugin, error) {
	plugin, ok := r.plugins[protocol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, protocol)
	}
	return plugin, nil
}

// GetAllPlugins exposes the full set for diagnostics.
func (r *Registry) GetAllPlugins() []Plugin {
	all := make([]Plugin, 0, len(r.plugins))
	for _, plugin := range r.plugins {
		all = append(all, plugin)
	}
	return all
}
