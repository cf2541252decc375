package indicator

// window is a fixed-capacity circular buffer of the most recent values.
type window struct {
	buf   []float64
	idx   int // next write position
	count int // values held, at most len(buf)
}

func newWindow(n int) window {
	return window{buf: make([]float64, n)}
}

// push appends v, returning the evicted value when the window was full.
func (w *window) push(v float64) (old float64, evicted bool) {
	if w.count == len(w.buf) {
		old, evicted = w.buf[w.idx], true
	} else {
		w.count++
	}
	w.buf[w.idx] = v
	w.idx = (w.idx + 1) % len(w.buf)
	return old, evicted
}

func (w *window) full() bool { return w.count == len(w.buf) }

// at returns the i-th held value, 0 being the oldest.
func (w *window) at(i int) float64 {
	start := w.idx - w.count
	if start < 0 {
		start += len(w.buf)
	}
	return w.buf[(start+i)%len(w.buf)]
}

// newest returns the most recently pushed value.
func (w *window) newest() float64 { return w.at(w.count - 1) }

func (w *window) max() float64 {
	m := w.at(0)
	for i := 1; i < w.count; i++ {
		if v := w.at(i); v > m {
			m = v
		}
	}
	return m
}

func (w *window) min() float64 {
	m := w.at(0)
	for i := 1; i < w.count; i++ {
		if v := w.at(i); v < m {
			m = v
		}
	}
	return m
}

func (w *window) sum() float64 {
	s := 0.0
	for i := 0; i < w.count; i++ {
		s += w.at(i)
	}
	return s
}

func (w window) clone() window {
	buf := make([]float64, len(w.buf))
	copy(buf, w.buf)
	w.buf = buf
	return w
}

func (w *window) reset() {
	w.idx = 0
	w.count = 0
	for i := range w.buf {
		w.buf[i] = 0
	}
}
