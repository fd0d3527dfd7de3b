package opsapi

import (
	"net/http"
	hpprof "net/http/pprof"
	"runtime"

	"github.com/go-chi/chi/v5"
)

type PprofConfig struct {
	Enabled              bool
	MutexProfileFraction int
	BlockProfileRate     int
}

// applyProfileRates is process-wide; 0 disables mutex/block sampling.
func applyProfileRates(cfg PprofConfig) {
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

func mountPprof(r chi.Router) {
	r.HandleFunc("/", hpprof.Index)
	r.HandleFunc("/cmdline", hpprof.Cmdline)
	r.HandleFunc("/profile", hpprof.Profile)
	r.HandleFunc("/symbol", hpprof.Symbol)
	r.HandleFunc("/trace", hpprof.Trace)
	// Named profiles (heap, goroutine, allocs, ...) go through Index.
	r.Get("/{name}", func(w http.ResponseWriter, req *http.Request) {
		hpprof.Handler(chi.URLParam(req, "name")).ServeHTTP(w, req)
	})
}
