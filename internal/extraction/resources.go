package extraction

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// ResourceProbe reports the host resources the pool sizes itself against.
type ResourceProbe interface {
	AvailableMemoryMB() (int, error)
	NumCPU() int
	// HeapPressure is the fraction of the Go heap currently in use.
	HeapPressure() float64
}

// SystemProbe reads /proc/meminfo and the Go runtime.
type SystemProbe struct {
	MeminfoPath string
}

// AvailableMemoryMB returns MemAvailable from meminfo in megabytes.
func (p SystemProbe) AvailableMemoryMB() (int, error) {
	path := p.MeminfoPath
	if path == "" {
		path = "/proc/meminfo"
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open meminfo: %w", err)
	}
	defer f.Close()
	return parseMemAvailable(bufio.NewScanner(f))
}

// NumCPU returns runtime.NumCPU.
func (SystemProbe) NumCPU() int {
	return runtime.NumCPU()
}

// HeapPressure returns HeapInuse / HeapSys.
func (SystemProbe) HeapPressure() float64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	if stats.HeapSys == 0 {
		return 0
	}
	return float64(stats.HeapInuse) / float64(stats.HeapSys)
}

func parseMemAvailable(scanner *bufio.Scanner) (int, error) {
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, fmt.Errorf("parse MemAvailable: %w", err)
		}
		return kb / 1024, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read meminfo: %w", err)
	}
	return 0, fmt.Errorf("MemAvailable not found in meminfo")
}

// minConcurrency is the floor applied to every computed pool size.
const minConcurrency = 3

// Concurrency sizes the pool as max(3, min(memory budget, cpu budget, limit)).
// Unknown memory leaves the memory budget unbounded.
func Concurrency(probe ResourceProbe, perSessionMB, cpuFactor, limit int) int {
	n := limit
	if n <= 0 {
		n = minConcurrency
	}
	if cpuFactor > 0 {
		n = min(n, probe.NumCPU()*cpuFactor)
	}
	if perSessionMB > 0 {
		if avail, err := probe.AvailableMemoryMB(); err == nil {
			n = min(n, avail/perSessionMB)
		}
	}
	return max(minConcurrency, n)
}
