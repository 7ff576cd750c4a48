package workeragent

import (
	"os"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"github.com/prometheus/procfs/blockdevice"

	"angel-master/internal/shared/model"
)

const sectorSize = 512

// counters 一次采样的累计计数
type counters struct {
	at         time.Time
	cpuIdle    float64
	cpuTotal   float64
	memFree    int64
	diskRead   uint64
	diskWrite  uint64
	netSend    uint64
	netReceive uint64
}

// readFunc 读取一次累计计数
type readFunc func() (counters, error)

// Sampler 基于两次采样差值计算 CPU 空闲率与 IO 速率
type Sampler struct {
	read readFunc

	mu   sync.Mutex
	prev *counters
}

// NewSampler 读取 /proc 与 /sys 的采样器
func NewSampler() *Sampler {
	return &Sampler{read: readProc}
}

// Sample 返回自上次采样以来的遥测，首次调用只有内存数据
//
// 读取失败时返回零值，不影响心跳。
func (s *Sampler) Sample() model.WorkerMetrics {
	cur, err := s.read()
	if err != nil {
		return model.WorkerMetrics{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m := model.WorkerMetrics{MemoryFree: cur.memFree}
	if p := s.prev; p != nil {
		if dt := cur.cpuTotal - p.cpuTotal; dt > 0 {
			m.CPUFree = min(max(100*(cur.cpuIdle-p.cpuIdle)/dt, 0), 100)
		}
		if secs := cur.at.Sub(p.at).Seconds(); secs > 0 {
			m.DiskRead = rate(cur.diskRead, p.diskRead, secs)
			m.DiskWrite = rate(cur.diskWrite, p.diskWrite, secs)
			m.NetSend = rate(cur.netSend, p.netSend, secs)
			m.NetRev = rate(cur.netReceive, p.netReceive, secs)
		}
	}
	s.prev = &cur
	return m
}

func rate(cur, prev uint64, secs float64) int64 {
	if cur < prev {
		return 0
	}
	return int64(float64(cur-prev) / secs)
}

func readProc() (counters, error) {
	c := counters{at: time.Now()}

	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return c, err
	}
	stat, err := fs.Stat()
	if err != nil {
		return c, err
	}
	cpu := stat.CPUTotal
	c.cpuIdle = cpu.Idle + cpu.Iowait
	c.cpuTotal = cpu.User + cpu.Nice + cpu.System + cpu.Idle + cpu.Iowait + cpu.IRQ + cpu.SoftIRQ + cpu.Steal

	if mem, err := fs.Meminfo(); err == nil && mem.MemAvailable != nil {
		c.memFree = int64(*mem.MemAvailable) * 1024
	}

	if nd, err := fs.NetDev(); err == nil {
		for name, line := range nd {
			if name == "lo" {
				continue
			}
			c.netSend += line.TxBytes
			c.netReceive += line.RxBytes
		}
	}

	if bfs, err := blockdevice.NewFS(procfs.DefaultMountPoint, "/sys"); err == nil {
		if disks, err := bfs.ProcDiskstats(); err == nil {
			for _, d := range disks {
				// 只统计整盘，分区已计入所属磁盘
				if _, err := os.Stat("/sys/block/" + d.DeviceName); err != nil {
					continue
				}
				c.diskRead += d.ReadSectors * sectorSize
				c.diskWrite += d.WriteSectors * sectorSize
			}
		}
	}
	return c, nil
}
