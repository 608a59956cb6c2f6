package vm

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Profiler tracks method invocation counts to identify hot code for the
// JIT. Counting is per method, not per call site.

// MethodProfile holds profiling data for a single method.
type MethodProfile struct {
	InvocationCount uint64 // atomic
	hot             atomic.Bool
}

// IsHot reports whether the method crossed the threshold.
func (p *MethodProfile) IsHot() bool {
	return p.hot.Load()
}

// Profiler manages profiling for all methods of a VM.
type Profiler struct {
	profiles sync.Map // MethodIndex -> *MethodProfile

	// Threshold is the invocation count at which a method becomes hot.
	Threshold uint64

	// OnHot is called once per method, on the invocation that makes it hot,
	// from the goroutine performing that invocation.
	OnHot func(desc *MethodDescriptor)
}

// DefaultHotThreshold is the threshold used by NewProfiler.
const DefaultHotThreshold = 100

// NewProfiler creates a new profiler with the default threshold.
func NewProfiler() *Profiler {
	return &Profiler{
		Threshold: DefaultHotThreshold,
	}
}

func (p *Profiler) profile(idx MethodIndex) *MethodProfile {
	if val, ok := p.profiles.Load(idx); ok {
		return val.(*MethodProfile)
	}
	val, _ := p.profiles.LoadOrStore(idx, &MethodProfile{})
	return val.(*MethodProfile)
}

// Record increments the invocation count for a method.
// Returns true if this invocation caused the method to become hot.
func (p *Profiler) Record(desc *MethodDescriptor) bool {
	if desc == nil {
		return false
	}
	profile := p.profile(desc.index)
	count := atomic.AddUint64(&profile.InvocationCount, 1)

	if count >= p.Threshold && !profile.hot.Load() && profile.hot.CompareAndSwap(false, true) {
		if p.OnHot != nil {
			p.OnHot(desc)
		}
		return true
	}
	return false
}

// Seed adds a previously persisted count to a method's profile. A seeded
// method that already meets the threshold becomes hot on its next call.
func (p *Profiler) Seed(desc *MethodDescriptor, count uint64) {
	atomic.AddUint64(&p.profile(desc.index).InvocationCount, count)
}

// Count returns the invocation count for a method.
func (p *Profiler) Count(idx MethodIndex) uint64 {
	if val, ok := p.profiles.Load(idx); ok {
		return atomic.LoadUint64(&val.(*MethodProfile).InvocationCount)
	}
	return 0
}

// IsHot returns true if the method has exceeded the hot threshold.
func (p *Profiler) IsHot(idx MethodIndex) bool {
	if val, ok := p.profiles.Load(idx); ok {
		return val.(*MethodProfile).IsHot()
	}
	return false
}

// MethodCount pairs a method with its invocation count.
type MethodCount struct {
	Method MethodIndex
	Count  uint64
}

// Snapshot returns the counts of every profiled method, highest first.
func (p *Profiler) Snapshot() []MethodCount {
	var all []MethodCount
	p.profiles.Range(func(key, value interface{}) bool {
		all = append(all, MethodCount{
			Method: key.(MethodIndex),
			Count:  atomic.LoadUint64(&value.(*MethodProfile).InvocationCount),
		})
		return true
	})
	sort.Slice(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		return all[i].Method < all[j].Method
	})
	return all
}

// TopMethods returns the n most frequently invoked methods.
func (p *Profiler) TopMethods(n int) []MethodCount {
	all := p.Snapshot()
	if n < len(all) {
		all = all[:n]
	}
	return all
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	TotalMethods     int    // Number of methods profiled
	HotMethods       int    // Number of hot methods
	TotalInvocations uint64 // Sum of all counts, seeds included
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	var stats ProfilerStats
	p.profiles.Range(func(key, value interface{}) bool {
		profile := value.(*MethodProfile)
		stats.TotalMethods++
		stats.TotalInvocations += atomic.LoadUint64(&profile.InvocationCount)
		if profile.IsHot() {
			stats.HotMethods++
		}
		return true
	})
	return stats
}

// Reset clears all profiling data.
func (p *Profiler) Reset() {
	p.profiles.Range(func(key, _ interface{}) bool {
		p.profiles.Delete(key)
		return true
	})
}
