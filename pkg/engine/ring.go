package engine

// errorRing is the bounded per-execution error log. Oldest entries are
// overwritten once the ring is full.
type errorRing struct {
	entries []string
	next    int
	full    bool
}

func newErrorRing(size int) *errorRing {
	if size < 1 {
		size = 1
	}
	return &errorRing{entries: make([]string, size)}
}

func (r *errorRing) push(msg string) {
	r.entries[r.next] = msg
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// last returns up to n most recent entries, newest first.
func (r *errorRing) last(n int) []string {
	size := r.next
	if r.full {
		size = len(r.entries)
	}
	if n > size {
		n = size
	}
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.entries)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return out
}
