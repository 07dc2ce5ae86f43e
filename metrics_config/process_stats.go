package metrics_config

import (
	"os"
	"runtime"

	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// processGauges describes the host the sequencer runs on. They are refreshed
// on scrape rather than on a ticker.
type processGauges struct {
	cpu     *prometheus.GaugeVec // percent, by scope
	memory  *prometheus.GaugeVec // bytes, by kind
	iops    prometheus.Gauge
	conns   prometheus.Gauge
	goStats *prometheus.GaugeVec
}

func newProcessGauges() *processGauges {
	return &processGauges{
		cpu: register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sequencer_cpu_percent",
			Help: "CPU usage of the sequencer process and of the host",
		}, []string{"scope"})),
		memory: register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sequencer_memory_bytes",
			Help: "Memory held by the sequencer process",
		}, []string{"kind"})),
		iops: NewGauge("sequencer_disk_iops_in_progress", "Disk operations in flight on the host, including tree and block writes"),
		conns: NewGauge("sequencer_tcp_connections", "Open TCP connections of the process, remote workers included"),
		goStats: register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sequencer_go_runtime",
			Help: "Go runtime heap and scheduler statistics",
		}, []string{"stat"})),
	}
}

func (g *processGauges) update() {
	g.updateRuntime()
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Global.WithField("err", err).Error("Failed to get process")
		return
	}
	g.updateCPU(proc)
	g.updateMemory(proc)
	g.updateDisk()
	g.updateConnections(proc)
}

func (g *processGauges) updateCPU(proc *process.Process) {
	if percent, err := proc.CPUPercent(); err != nil {
		log.Global.WithField("err", err).Debug("Failed to get process CPU percent")
	} else {
		g.cpu.WithLabelValues("process").Set(percent)
	}
	if usage, err := cpu.Percent(0, false); err == nil && len(usage) > 0 {
		g.cpu.WithLabelValues("host").Set(usage[0])
	}
	if times, err := cpu.Times(false); err == nil && len(times) > 0 {
		total := times[0].Total()
		if total > 0 {
			g.cpu.WithLabelValues("iowait").Set(100 * times[0].Iowait / total)
		}
	}
}

func (g *processGauges) updateMemory(proc *process.Process) {
	info, err := proc.MemoryInfo()
	if err != nil {
		log.Global.WithField("err", err).Debug("Failed to get process memory")
		return
	}
	g.memory.WithLabelValues("rss").Set(float64(info.RSS))
	g.memory.WithLabelValues("swap").Set(float64(info.Swap))
}

func (g *processGauges) updateDisk() {
	counters, err := disk.IOCounters()
	if err != nil {
		log.Global.WithField("err", err).Debug("Failed to get disk counters")
		return
	}
	var inProgress uint64
	for _, c := range counters {
		inProgress += c.IopsInProgress
	}
	g.iops.Set(float64(inProgress))
}

func (g *processGauges) updateConnections(proc *process.Process) {
	conns, err := net.ConnectionsPid("tcp", proc.Pid)
	if err != nil {
		log.Global.WithField("err", err).Debug("Failed to get process connections")
		return
	}
	g.conns.Set(float64(len(conns)))
}

func (g *processGauges) updateRuntime() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	g.goStats.WithLabelValues("goroutines").Set(float64(runtime.NumGoroutine()))
	g.goStats.WithLabelValues("heap_objects").Set(float64(ms.HeapObjects))
	g.goStats.WithLabelValues("heap_in_use").Set(float64(ms.HeapInuse))
	g.goStats.WithLabelValues("heap_released").Set(float64(ms.HeapReleased))
	g.goStats.WithLabelValues("gc_pause_total_ns").Set(float64(ms.PauseTotalNs))
}
