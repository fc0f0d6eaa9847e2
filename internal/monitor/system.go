package monitor

import (
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/tphakala/iotalerts/internal/logger"
)

// lowDiskPercent is the free space below which the store directory is
// reported at startup.
const lowDiskPercent = 5.0

func logSystemDetails(log logger.Logger) {
	info, err := host.Info()
	if err != nil {
		log.Debug("failed to read host info", logger.Error(err))
		return
	}
	log.Info("system details",
		logger.String("os", info.OS),
		logger.String("platform", info.Platform),
		logger.String("platform_version", info.PlatformVersion),
		logger.String("arch", info.KernelArch))
}

// checkDiskSpace warns when the filesystem holding path is nearly full.
func checkDiskSpace(path string) {
	if path == "" || path == ":memory:" {
		return
	}
	usage, err := disk.Usage(filepath.Dir(path))
	if err != nil {
		return
	}
	if free := 100 - usage.UsedPercent; free < lowDiskPercent {
		GetLogger().Warn("low disk space for alert store",
			logger.String("path", usage.Path),
			logger.Float64("free_percent", free),
			logger.Uint64("free_bytes", usage.Free))
	}
}
