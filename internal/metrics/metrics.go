// Package metrics provides the atomic counters the nucleus threads through
// the frame database, pager, and pressure monitor for observability.
//
// Adapted from the teacher's stats.Counter_t/Cycles_t: the original gated
// every increment behind compile-time Stats/Timing booleans so a release
// kernel paid nothing for accounting. This port keeps the same shape
// (atomic counters, a reflection-based dump for crash reports) but the
// counters are unconditional -- a userspace nucleus has no boot-time
// knob to strip them at compile time, and the volumes involved are small
// enough that always-on accounting is not a meaningful cost.
package metrics

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
)

// Counter is a monotonically adjustable statistic, e.g. "frames freed" or
// "pager wakeups".
type Counter int64

// Inc adds one to the counter.
func (c *Counter) Inc() { atomic.AddInt64((*int64)(c), 1) }

// Add adds n to the counter.
func (c *Counter) Add(n int64) { atomic.AddInt64((*int64)(c), n) }

// Load returns the current value.
func (c *Counter) Load() int64 { return atomic.LoadInt64((*int64)(c)) }

// Gauge is a counter that can also be set directly, for values that are
// not monotonic (e.g. "frames currently allocated").
type Gauge = Counter

// Set stores v into the gauge.
func (c *Counter) Set(v int64) { atomic.StoreInt64((*int64)(c), v) }

// Dump renders every Counter field of st (a struct, passed by value or
// pointer) as "\n\t#Name: value", in the teacher's stats.Stats2String
// idiom, for inclusion in crash records and pager progress logs.
func Dump(st interface{}) string {
	v := reflect.ValueOf(st)
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return ""
	}
	var b strings.Builder
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		ft := t.Field(i).Type
		if ft.String() != "metrics.Counter" && ft.String() != "*metrics.Counter" {
			continue
		}
		fv := v.Field(i)
		if fv.Kind() == reflect.Ptr {
			if fv.IsNil() {
				continue
			}
			fv = fv.Elem()
		}
		n := fv.Int()
		b.WriteString("\n\t#")
		b.WriteString(t.Field(i).Name)
		b.WriteString(": ")
		b.WriteString(strconv.FormatInt(n, 10))
	}
	return b.String()
}
