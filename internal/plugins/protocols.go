package plugins

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/snapguard/snapguard/internal/store/types"
)

const dialTimeout = 10 * time.Second

// dialDevice is the shared connectivity probe: a TCP dial against the
// device's host on the protocol's port (or the device's override).
func dialDevice(ctx context.Context, device types.Device, defaultPort int) error {
	port := device.Port
	if port == 0 {
		port = defaultPort
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	address := net.JoinHostPort(device.Host, strconv.Itoa(port))
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	return conn.Close()
}

type smbPlugin struct{}

func (p *smbPlugin) Protocol() types.Protocol { return types.ProtocolSMB }

func (p *smbPlugin) TestConnection(ctx context.Context, device types.Device) error {
	return dialDevice(ctx, device, 445)
}

type sshPlugin struct{}

func (p *sshPlugin) Protocol() types.Protocol { return types.ProtocolSSH }

func (p *sshPlugin) TestConnection(ctx context.Context, device types.Device) error {
	return dialDevice(ctx, device, 22)
}

type rsyncPlugin struct{}

func (p *rsyncPlugin) Protocol() types.Protocol { return types.ProtocolRsync }

func (p *rsyncPlugin) TestConnection(ctx context.Context, device types.Device) error {
	return dialDevice(ctx, device, 873)
}
