package security

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/dshills/plugbox/internal/plugin/faults"
)

// ResourceLimits defines resource limits for a plugin instance.
type ResourceLimits struct {
	// Maximum time a single execute call may run inside the VM.
	ExecutionTimeout time.Duration `json:"executionTimeout"`

	// Maximum time the worker has to load the entry module.
	InitTimeout time.Duration `json:"initTimeout"`

	// Deadline for each privileged RPC made by the sandbox. Must be shorter
	// than both ExecutionTimeout and InitTimeout, otherwise the enclosing
	// call deadline fires before the plugin can observe a TimeoutError.
	RPCTimeout time.Duration `json:"rpcTimeout"`

	// Largest file a plugin may read or write, in bytes.
	MaxFileSize int64 `json:"maxFileSize"`

	// Largest fetch response body returned to a plugin, in bytes.
	MaxFetchBytes int64 `json:"maxFetchBytes"`

	// Maximum concurrently scheduled timers.
	MaxTimers int `json:"maxTimers"`

	// Maximum filesystem operations per second.
	FileOpsPerSecond int `json:"fileOpsPerSecond"`

	// Maximum network requests per second.
	NetworkReqPerSecond int `json:"networkReqPerSecond"`

	// Lua call stack depth.
	CallStackSize int `json:"callStackSize"`
}

// DefaultResourceLimits returns sensible default limits.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		ExecutionTimeout:    30 * time.Second,
		InitTimeout:         30 * time.Second,
		RPCTimeout:          10 * time.Second,
		MaxFileSize:         1 * 1024 * 1024, // 1 MB
		MaxFetchBytes:       2 * 1024 * 1024, // 2 MB
		MaxTimers:           64,
		FileOpsPerSecond:    100,
		NetworkReqPerSecond: 10,
		CallStackSize:       256,
	}
}

// StrictResourceLimits returns stricter limits for untrusted plugins.
func StrictResourceLimits() ResourceLimits {
	return ResourceLimits{
		ExecutionTimeout:    10 * time.Second,
		InitTimeout:         10 * time.Second,
		RPCTimeout:          5 * time.Second,
		MaxFileSize:         256 * 1024,
		MaxFetchBytes:       256 * 1024,
		MaxTimers:           8,
		FileOpsPerSecond:    10,
		NetworkReqPerSecond: 1,
		CallStackSize:       128,
	}
}

// RelaxedResourceLimits returns relaxed limits for trusted plugins.
func RelaxedResourceLimits() ResourceLimits {
	return ResourceLimits{
		ExecutionTimeout:    2 * time.Minute,
		InitTimeout:         time.Minute,
		RPCTimeout:          30 * time.Second,
		MaxFileSize:         10 * 1024 * 1024,
		MaxFetchBytes:       10 * 1024 * 1024,
		MaxTimers:           512,
		FileOpsPerSecond:    1000,
		NetworkReqPerSecond: 100,
		CallStackSize:       1024,
	}
}

// Validate checks that every limit is usable.
func (l ResourceLimits) Validate() error {
	var errs []error
	if l.ExecutionTimeout <= 0 {
		errs = append(errs, errors.New("execution timeout must be positive"))
	}
	if l.InitTimeout <= 0 {
		errs = append(errs, errors.New("init timeout must be positive"))
	}
	if l.RPCTimeout <= 0 {
		errs = append(errs, errors.New("rpc timeout must be positive"))
	}
	if l.RPCTimeout > 0 && l.RPCTimeout >= l.ExecutionTimeout {
		errs = append(errs, fmt.Errorf("rpc timeout %s must be shorter than execution timeout %s", l.RPCTimeout, l.ExecutionTimeout))
	}
	if l.RPCTimeout > 0 && l.RPCTimeout >= l.InitTimeout {
		errs = append(errs, fmt.Errorf("rpc timeout %s must be shorter than init timeout %s", l.RPCTimeout, l.InitTimeout))
	}
	if l.MaxFileSize <= 0 || l.MaxFetchBytes <= 0 {
		errs = append(errs, errors.New("size limits must be positive"))
	}
	if l.MaxTimers < 0 {
		errs = append(errs, fmt.Errorf("max timers must not be negative: %d", l.MaxTimers))
	}
	return errors.Join(errs...)
}

// ResourceMonitor tracks one instance's resource usage and enforces its
// per-second operation limits.
type ResourceMonitor struct {
	limits ResourceLimits

	fileOps *rate.Limiter
	netReqs *rate.Limiter

	filesRead    atomic.Int64
	filesWritten atomic.Int64
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
	fetches      atomic.Int64
	denied       atomic.Int64
}

// NewResourceMonitor creates a new resource monitor with the given limits.
// A non-positive rate disables that limiter.
func NewResourceMonitor(limits ResourceLimits) *ResourceMonitor {
	return &ResourceMonitor{
		limits:  limits,
		fileOps: newLimiter(limits.FileOpsPerSecond),
		netReqs: newLimiter(limits.NetworkReqPerSecond),
	}
}

func newLimiter(perSecond int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perSecond), perSecond)
}

// Limits returns the monitored limits.
func (rm *ResourceMonitor) Limits() ResourceLimits {
	return rm.limits
}

// AllowFileOp consumes one filesystem operation token.
func (rm *ResourceMonitor) AllowFileOp() error {
	if !rm.fileOps.Allow() {
		rm.denied.Add(1)
		return fmt.Errorf("%w: filesystem operations", faults.ErrRateLimited)
	}
	return nil
}

// AllowNetworkRequest consumes one network request token.
func (rm *ResourceMonitor) AllowNetworkRequest() error {
	if !rm.netReqs.Allow() {
		rm.denied.Add(1)
		return fmt.Errorf("%w: network requests", faults.ErrRateLimited)
	}
	return nil
}

// RecordRead records a completed file read.
func (rm *ResourceMonitor) RecordRead(n int64) {
	rm.filesRead.Add(1)
	rm.bytesRead.Add(n)
}

// RecordWrite records a completed file write.
func (rm *ResourceMonitor) RecordWrite(n int64) {
	rm.filesWritten.Add(1)
	rm.bytesWritten.Add(n)
}

// RecordFetch records a completed network request.
func (rm *ResourceMonitor) RecordFetch() {
	rm.fetches.Add(1)
}

// Usage is a snapshot of resource counters.
type Usage struct {
	FilesRead    int64
	FilesWritten int64
	BytesRead    int64
	BytesWritten int64
	Fetches      int64
	RateLimited  int64
}

// Usage returns the current counters.
func (rm *ResourceMonitor) Usage() Usage {
	return Usage{
		FilesRead:    rm.filesRead.Load(),
		FilesWritten: rm.filesWritten.Load(),
		BytesRead:    rm.bytesRead.Load(),
		BytesWritten: rm.bytesWritten.Load(),
		Fetches:      rm.fetches.Load(),
		RateLimited:  rm.denied.Load(),
	}
}
