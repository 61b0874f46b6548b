package status

const (
	Running = iota + 1
	OK
	Stopped
	Error
	Waiting
)

var names = map[int]string{
	Running: "running",
	OK:      "ok",
	Stopped: "stopped",
	Error:   "error",
	Waiting: "waiting",
}

// Name returns the lower-case label for a status code.
func Name(code int) string {
	if n, ok := names[code]; ok {
		return n
	}
	return "unknown"
}
