package telemetry

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"runtime"
	"runtime/debug"
	"time"
)

// EnableProfiling mounts pprof and runtime stats under /debug on the
// monitoring server. Call before Start.
func (ms *MonitoringServer) EnableProfiling() {
	ms.profiling = true
	ms.server.Handler = ms.Handler()
}

func mountProfiling(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/debug/stats", statsHandler)
	mux.HandleFunc("/debug/build", buildInfoHandler)
}

type runtimeStats struct {
	AllocMB     float64   `json:"alloc_mb"`
	HeapInuseMB float64   `json:"heap_inuse_mb"`
	SysMB       float64   `json:"sys_mb"`
	NumGC       uint32    `json:"num_gc"`
	Goroutines  int       `json:"goroutines"`
	CPUCores    int       `json:"cpu_cores"`
	Timestamp   time.Time `json:"timestamp"`
}

func statsHandler(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(runtimeStats{
		AllocMB:     bToMb(m.Alloc),
		HeapInuseMB: bToMb(m.HeapInuse),
		SysMB:       bToMb(m.Sys),
		NumGC:       m.NumGC,
		Goroutines:  runtime.NumGoroutine(),
		CPUCores:    runtime.NumCPU(),
		Timestamp:   time.Now(),
	})
}

func buildInfoHandler(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"go_version": runtime.Version(),
		"go_os":      runtime.GOOS,
		"go_arch":    runtime.GOARCH,
		"max_procs":  runtime.GOMAXPROCS(0),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info["module"] = bi.Main.Path
		info["version"] = bi.Main.Version
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

func bToMb(b uint64) float64 {
	return float64(b) / 1024 / 1024
}
