package cgroups

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// cfsPeriod is the CFS period in microseconds used for cpu.max quotas
const cfsPeriod = 100000

// Limits defines what can be written to cgroups.
type Limits struct {
	CPUPercent  float64 // 100 = one full core, 0 = no limit
	MemoryBytes int64   // 0 = no limit
}

// CPUQuota converts a CPU percentage into a CFS quota for cfsPeriod
func CPUQuota(percent float64) int64 {
	quota := int64(percent / 100 * cfsPeriod)
	if quota < 1000 {
		// the kernel rejects quotas under 1ms
		quota = 1000
	}
	return quota
}

// writeCPUMax writes cpu.max (v2) or cpu.cfs_quota_us + cpu.cfs_period_us (v1)
func (m *Manager) writeCPUMax(path string, percent float64) error {
	quota := CPUQuota(percent)
	if m.version == 2 {
		value := fmt.Sprintf("%d %d", quota, cfsPeriod)
		return writeControl(filepath.Join(path, "cpu.max"), []byte(value))
	}
	if err := os.WriteFile(filepath.Join(path, "cpu.cfs_period_us"), []byte(strconv.Itoa(cfsPeriod)), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(path, "cpu.cfs_quota_us"), []byte(strconv.FormatInt(quota, 10)), 0o644)
}

// writeMemoryMax writes memory.max (v2) or memory.limit_in_bytes (v1)
func (m *Manager) writeMemoryMax(path string, bytes int64) error {
	if bytes < 0 {
		return fmt.Errorf("invalid memory limit: %d", bytes)
	}
	value := []byte(strconv.FormatInt(bytes, 10))
	if m.version == 2 {
		return writeControl(filepath.Join(path, "memory.max"), value)
	}
	return os.WriteFile(filepath.Join(m.memoryPath(path), "memory.limit_in_bytes"), value, 0o644)
}
