package stats

import "reflect"
import "strconv"
import "strings"
import "sync/atomic"
import "time"
import "unsafe"

type Counter_t int64

// nanoseconds spent in an operation
type Nanos_t int64

func (c *Counter_t) Inc() {
	atomic.AddInt64((*int64)(c), 1)
}

func (c *Counter_t) Get() int64 {
	return atomic.LoadInt64((*int64)(c))
}

func (c *Nanos_t) Add(start time.Time) {
	atomic.AddInt64((*int64)(c), int64(time.Since(start)))
}

func (c *Nanos_t) Get() time.Duration {
	return time.Duration(atomic.LoadInt64((*int64)(c)))
}

// Stats2String renders every Counter_t and Nanos_t field of the struct st.
// Fields are loaded atomically, so st may be updated concurrently if it is
// passed by pointer.
func Stats2String(st interface{}) string {
	v := reflect.ValueOf(st)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if !v.CanAddr() {
		cp := reflect.New(v.Type()).Elem()
		cp.Set(v)
		v = cp
	}
	s := ""
	for i := 0; i < v.NumField(); i++ {
		f := v.Field(i)
		t := f.Type().String()
		name := v.Type().Field(i).Name
		if strings.HasSuffix(t, "Counter_t") {
			n := atomic.LoadInt64((*int64)(unsafe.Pointer(f.UnsafeAddr())))
			s += "\n\t#" + name + ": " + strconv.FormatInt(n, 10)
		}
		if strings.HasSuffix(t, "Nanos_t") {
			n := atomic.LoadInt64((*int64)(unsafe.Pointer(f.UnsafeAddr())))
			s += "\n\t#" + name + ": " + time.Duration(n).String()
		}
	}
	return s + "\n"
}
