package defs

import "strconv"

const (
	EPERM   Err_t = 1
	ENOENT  Err_t = 2
	EINTR   Err_t = 4
	EIO     Err_t = 5
	EAGAIN  Err_t = 11
	ENOMEM  Err_t = 12
	EFAULT  Err_t = 14
	EBUSY   Err_t = 16
	EEXIST  Err_t = 17
	EINVAL  Err_t = 22
	ENOSPC  Err_t = 28
	ERANGE  Err_t = 34
	ENOSYS  Err_t = 38
	ENOHEAP Err_t = 511
)

type Err_t int

var errnames = map[Err_t]string{
	EPERM:   "EPERM",
	ENOENT:  "ENOENT",
	EINTR:   "EINTR",
	EIO:     "EIO",
	EAGAIN:  "EAGAIN",
	ENOMEM:  "ENOMEM",
	EFAULT:  "EFAULT",
	EBUSY:   "EBUSY",
	EEXIST:  "EEXIST",
	EINVAL:  "EINVAL",
	ENOSPC:  "ENOSPC",
	ERANGE:  "ERANGE",
	ENOSYS:  "ENOSYS",
	ENOHEAP: "ENOHEAP",
}

// errors are passed around negated; String accepts either sign.
func (e Err_t) String() string {
	if e == 0 {
		return "OK"
	}
	n := e
	if n < 0 {
		n = -n
	}
	if s, ok := errnames[n]; ok {
		if e < 0 {
			return "-" + s
		}
		return s
	}
	return "errno " + strconv.Itoa(int(e))
}
