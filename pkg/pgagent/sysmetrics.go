// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package pgagent

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"

	"github.com/reqprof/reqprof/pkg/record"
	"github.com/reqprof/reqprof/pkg/util/log"
)

// defaultDiskPaths are the mount points that matter on a PostgreSQL host.
// Paths that do not exist are skipped.
var defaultDiskPaths = []string{"/var/lib/postgresql", "/var/log/postgresql", "/"}

// systemCollector samples host-level metrics. Every probe is independent, a
// failing one is logged and its key omitted rather than failing the cycle.
type systemCollector struct {
	diskPaths []string
}

func newSystemCollector() *systemCollector {
	return &systemCollector{diskPaths: defaultDiskPaths}
}

func (c *systemCollector) Source() string { return record.DBSourceSystemMetrics }

func (c *systemCollector) Collect(_ context.Context) (map[string]interface{}, error) {
	payload := map[string]interface{}{
		"cpu":    c.cpuMetrics(),
		"memory": c.memoryMetrics(),
	}
	if io := c.diskIOMetrics(); io != nil {
		payload["disk_io"] = io
	}
	if netStats := c.networkMetrics(); netStats != nil {
		payload["network"] = netStats
	}
	if usage := c.diskUsageMetrics(); len(usage) > 0 {
		payload["disk_usage"] = usage
	}
	return payload, nil
}

// cpuMetrics reports utilisation relative to the previous cycle. The first
// sample after boot reads as zero.
func (c *systemCollector) cpuMetrics() map[string]interface{} {
	out := map[string]interface{}{}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		out["percent"] = percents[0]
	} else if err != nil {
		log.Debugf("cpu percent probe: %v", err)
	}
	if n, err := cpu.Counts(true); err == nil {
		out["count_logical"] = n
	}
	if n, err := cpu.Counts(false); err == nil {
		out["count_physical"] = n
	}
	if avg, err := load.Avg(); err == nil {
		out["load_1"] = avg.Load1
		out["load_5"] = avg.Load5
		out["load_15"] = avg.Load15
	} else {
		log.Debugf("load average probe: %v", err)
	}
	return out
}

func (c *systemCollector) memoryMetrics() map[string]interface{} {
	out := map[string]interface{}{}
	if vm, err := mem.VirtualMemory(); err == nil {
		out["total"] = vm.Total
		out["available"] = vm.Available
		out["used"] = vm.Used
		out["percent"] = vm.UsedPercent
		out["cached"] = vm.Cached
	} else {
		log.Debugf("virtual memory probe: %v", err)
	}
	if swap, err := mem.SwapMemory(); err == nil {
		out["swap_total"] = swap.Total
		out["swap_used"] = swap.Used
		out["swap_percent"] = swap.UsedPercent
	} else {
		log.Debugf("swap probe: %v", err)
	}
	return out
}

func (c *systemCollector) diskIOMetrics() map[string]interface{} {
	counters, err := disk.IOCounters()
	if err != nil {
		log.Debugf("disk io probe: %v", err)
		return nil
	}
	out := make(map[string]interface{}, len(counters))
	for name, io := range counters {
		out[name] = map[string]interface{}{
			"read_count":  io.ReadCount,
			"write_count": io.WriteCount,
			"read_bytes":  io.ReadBytes,
			"write_bytes": io.WriteBytes,
			"read_time":   io.ReadTime,
			"write_time":  io.WriteTime,
		}
	}
	return out
}

func (c *systemCollector) networkMetrics() map[string]interface{} {
	counters, err := gopsnet.IOCounters(false)
	if err != nil || len(counters) == 0 {
		if err != nil {
			log.Debugf("network probe: %v", err)
		}
		return nil
	}
	total := counters[0]
	return map[string]interface{}{
		"bytes_sent":   total.BytesSent,
		"bytes_recv":   total.BytesRecv,
		"packets_sent": total.PacketsSent,
		"packets_recv": total.PacketsRecv,
		"err_in":       total.Errin,
		"err_out":      total.Errout,
		"drop_in":      total.Dropin,
		"drop_out":     total.Dropout,
	}
}

func (c *systemCollector) diskUsageMetrics() map[string]interface{} {
	out := map[string]interface{}{}
	for _, path := range c.diskPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		usage, err := disk.Usage(path)
		if err != nil {
			log.Debugf("disk usage probe %s: %v", path, err)
			continue
		}
		out[path] = map[string]interface{}{
			"total":   usage.Total,
			"used":    usage.Used,
			"free":    usage.Free,
			"percent": usage.UsedPercent,
		}
	}
	return out
}
