package workload

import (
	"encoding/json"
	"fmt"
	"time"
)

// Limits is a resource ceiling. A zero field means "unset": on a request it
// inherits the host ceiling, on the host ceiling it means unbounded.
type Limits struct {
	CPUPercent float64       `json:"cpu_percent,omitempty" yaml:"cpu_percent" mapstructure:"cpu_percent"`
	MemoryMB   int64         `json:"memory_mb,omitempty" yaml:"memory_mb" mapstructure:"memory_mb"`
	WallTime   time.Duration `json:"-" yaml:"wall_time" mapstructure:"wall_time"`
}

// LimitViolation names the first dimension of a request above the ceiling
type LimitViolation struct {
	Field     string
	Requested string
	Ceiling   string
}

func (v *LimitViolation) Error() string {
	return fmt.Sprintf("%s %s exceeds ceiling %s", v.Field, v.Requested, v.Ceiling)
}

// Validate rejects negative values
func (l Limits) Validate() error {
	if l.CPUPercent < 0 {
		return fmt.Errorf("cpu_percent must not be negative: %v", l.CPUPercent)
	}
	if l.MemoryMB < 0 {
		return fmt.Errorf("memory_mb must not be negative: %d", l.MemoryMB)
	}
	if l.WallTime < 0 {
		return fmt.Errorf("wall_time must not be negative: %s", l.WallTime)
	}
	return nil
}

// Within returns a *LimitViolation when any requested dimension exceeds the
// corresponding non-zero ceiling dimension.
func (l Limits) Within(ceiling Limits) error {
	if ceiling.CPUPercent > 0 && l.CPUPercent > ceiling.CPUPercent {
		return &LimitViolation{
			Field:     "cpu_percent",
			Requested: fmt.Sprintf("%g", l.CPUPercent),
			Ceiling:   fmt.Sprintf("%g", ceiling.CPUPercent),
		}
	}
	if ceiling.MemoryMB > 0 && l.MemoryMB > ceiling.MemoryMB {
		return &LimitViolation{
			Field:     "memory_mb",
			Requested: fmt.Sprintf("%d", l.MemoryMB),
			Ceiling:   fmt.Sprintf("%d", ceiling.MemoryMB),
		}
	}
	if ceiling.WallTime > 0 && l.WallTime > ceiling.WallTime {
		return &LimitViolation{
			Field:     "wall_time",
			Requested: l.WallTime.String(),
			Ceiling:   ceiling.WallTime.String(),
		}
	}
	return nil
}

// Inherit fills unset dimensions from the ceiling
func (l Limits) Inherit(ceiling Limits) Limits {
	if l.CPUPercent == 0 {
		l.CPUPercent = ceiling.CPUPercent
	}
	if l.MemoryMB == 0 {
		l.MemoryMB = ceiling.MemoryMB
	}
	if l.WallTime == 0 {
		l.WallTime = ceiling.WallTime
	}
	return l
}

type limitsJSON struct {
	CPUPercent float64 `json:"cpu_percent,omitempty"`
	MemoryMB   int64   `json:"memory_mb,omitempty"`
	WallTime   string  `json:"wall_time,omitempty"`
}

// MarshalJSON renders WallTime as a Go duration string ("1m30s")
func (l Limits) MarshalJSON() ([]byte, error) {
	out := limitsJSON{CPUPercent: l.CPUPercent, MemoryMB: l.MemoryMB}
	if l.WallTime != 0 {
		out.WallTime = l.WallTime.String()
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts WallTime as a duration string
func (l *Limits) UnmarshalJSON(data []byte) error {
	var in limitsJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	l.CPUPercent = in.CPUPercent
	l.MemoryMB = in.MemoryMB
	l.WallTime = 0
	if in.WallTime != "" {
		d, err := time.ParseDuration(in.WallTime)
		if err != nil {
			return fmt.Errorf("invalid wall_time %q: %w", in.WallTime, err)
		}
		l.WallTime = d
	}
	return nil
}
