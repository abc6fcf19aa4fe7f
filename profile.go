package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

const (
	// memProfileRate while profiling, see runtime.MemProfileRate.
	memProfileRate = 4096

	timeFormat = "20060102_150405"
	debugLevel = 2
)

// profile is one kind of data collected between StartProfiler and Stop.
type profile struct {
	kind  string
	start func(f *os.File) (stop func(), err error)
}

// lookupProfile writes the named runtime profile on stop.
func lookupProfile(name string, enable, disable func()) func(f *os.File) (func(), error) {
	return func(f *os.File) (func(), error) {
		enable()
		return func() {
			if p := pprof.Lookup(name); p != nil {
				_ = p.WriteTo(f, 0)
			}
			disable()
		}, nil
	}
}

func noop() {}

var profiles = []profile{
	{"cpu", func(f *os.File) (func(), error) {
		if err := pprof.StartCPUProfile(f); err != nil {
			return nil, err
		}
		return pprof.StopCPUProfile, nil
	}},
	{"mem", func(f *os.File) (func(), error) {
		old := runtime.MemProfileRate
		runtime.MemProfileRate = memProfileRate
		return func() {
			_ = pprof.Lookup("heap").WriteTo(f, 0)
			runtime.MemProfileRate = old
		}, nil
	}},
	{"mutex", lookupProfile("mutex",
		func() { runtime.SetMutexProfileFraction(1) },
		func() { runtime.SetMutexProfileFraction(0) })},
	{"block", lookupProfile("block",
		func() { runtime.SetBlockProfileRate(1) },
		func() { runtime.SetBlockProfileRate(0) })},
	{"threadcreate", lookupProfile("threadcreate", noop, noop)},
	{"trace", func(f *os.File) (func(), error) {
		if err := trace.Start(f); err != nil {
			return nil, err
		}
		return trace.Stop, nil
	}},
}

// Profiler is an active profiling session started by SIGUSR2.
type Profiler struct {
	dataDir string
	closers []func()
	stopped uint32
}

// StartProfiler starts every profile kind, writing into dataDir.
// The caller should call Stop to flush the data.
func StartProfiler(dataDir string) *Profiler {
	p := &Profiler{dataDir: dataDir}
	now := time.Now()

	for _, prof := range profiles {
		fn := filepath.Join(dataDir, fmt.Sprintf("%s-%s.pprof", prof.kind, now.Format(timeFormat)))
		f, err := os.Create(fn)
		if err != nil {
			glog.Errorf("pprof: could not create %s profile %q: %v", prof.kind, fn, err)
			continue
		}
		stop, err := prof.start(f)
		if err != nil {
			glog.Errorf("pprof: could not start %s profile: %v", prof.kind, err)
			f.Close()
			continue
		}

		kind := prof.kind
		glog.Infof("pprof: %s profiling enabled, %s", kind, fn)
		p.closers = append(p.closers, func() {
			stop()
			f.Close()
			glog.Infof("pprof: %s profiling disabled, %s", kind, fn)
		})
	}
	return p
}

// Stop stops the profiles and flushes any unwritten data.
func (p *Profiler) Stop() {
	if !atomic.CompareAndSwapUint32(&p.stopped, 0, 1) {
		return
	}
	for _, closer := range p.closers {
		closer()
	}
}

func dumpGoroutines(dataDir string) {
	dumpFile := filepath.Join(dataDir, fmt.Sprintf("goroutines-%s.dump", time.Now().Format(timeFormat)))
	glog.Infof("Got dump goroutine signal, dumping goroutine profile to %s", dumpFile)

	f, err := os.Create(dumpFile)
	if err != nil {
		glog.Errorf("Failed to dump goroutine profile, error: %v", err)
		return
	}
	defer f.Close()
	if err := pprof.Lookup("goroutine").WriteTo(f, debugLevel); err != nil {
		glog.Errorf("Failed to write goroutine profile to %s, error: %v", dumpFile, err)
	}
}
