package metrics

import (
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/cuemby/tenement/pkg/types"
)

// InstanceSource is the slice of the hypervisor the collector reads.
type InstanceSource interface {
	List() []types.InstanceView
}

// Collector periodically refreshes the per-instance gauges.
type Collector struct {
	source   InstanceSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector polling source every interval.
func NewCollector(source InstanceSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting in the background.
func (c *Collector) Start() {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	views := c.source.List()

	InstancesByStatus.Reset()
	InstanceMemoryBytes.Reset()
	InstanceStorageBytes.Reset()
	InstanceWeight.Reset()

	counts := map[types.InstanceStatus]int{}
	for _, v := range views {
		counts[v.Status]++

		labels := []string{v.ID.Service, v.ID.Label}
		InstanceWeight.WithLabelValues(labels...).Set(float64(v.Weight))
		InstanceStorageBytes.WithLabelValues(labels...).Set(float64(v.StorageUsedBytes))

		if v.Status.Live() && v.PID > 0 {
			if rss, ok := residentBytes(v.PID); ok {
				InstanceMemoryBytes.WithLabelValues(labels...).Set(float64(rss))
			}
		}
	}
	for status, n := range counts {
		InstancesByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

func residentBytes(pid int) (uint64, bool) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, false
	}
	mi, err := p.MemoryInfo()
	if err != nil || mi == nil {
		return 0, false
	}
	return mi.RSS, true
}
