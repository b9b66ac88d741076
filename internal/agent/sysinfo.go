// ABOUTME: Collects the static host metadata an agent sends with CONNECT.
// ABOUTME: Fields that cannot be determined are reported as UNKNOWN.

package agent

import (
	"context"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v4/host"

	"github.com/2389/muster/internal/protocol"
)

// hostInfo is swapped out in tests.
var hostInfo = host.InfoWithContext

// CollectMetadata describes the local host. The identity is filled in by New.
// When the host cannot be inspected only the compiled-in OS and architecture
// are reported.
func CollectMetadata(ctx context.Context, version string) protocol.Metadata {
	meta := protocol.Metadata{
		Platform:        runtime.GOOS,
		Machine:         runtime.GOARCH,
		SoftwareVersion: version,
	}

	// gopsutil returns partial info alongside warnings, so use what came back.
	info, _ := hostInfo(ctx)
	if info != nil {
		meta.Hostname = info.Hostname
		if info.OS != "" {
			meta.Platform = info.OS
		}
		meta.PlatformVersion = platformVersion(info)
		if info.KernelArch != "" {
			meta.Machine = info.KernelArch
		}
	}
	return meta.Normalized()
}

// platformVersion joins the distribution name and release, e.g. "debian 12.5".
func platformVersion(info *host.InfoStat) string {
	return strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
}
