package signal

import "math"

// Window is a fixed-capacity ring of observations with running mean and
// variance. Adding to a full window evicts the oldest value and removes it
// from the running moments.
type Window struct {
	buf   []float64
	next  int
	n     int
	mean  float64
	m2    float64
	churn int
}

// NewWindow returns a window holding at most size observations.
func NewWindow(size int) *Window {
	if size < 2 {
		size = 2
	}
	return &Window{buf: make([]float64, size)}
}

// Len returns the number of observations held.
func (w *Window) Len() int { return w.n }

// Cap returns the window capacity.
func (w *Window) Cap() int { return len(w.buf) }

// Push adds x, evicting the oldest observation when full.
func (w *Window) Push(x float64) {
	if w.n == len(w.buf) {
		w.remove(w.buf[w.next])
	}
	w.buf[w.next] = x
	w.next = (w.next + 1) % len(w.buf)
	w.add(x)

	// Rebuild the moments from the buffer now and then so rounding from
	// repeated removals cannot accumulate.
	w.churn++
	if w.churn >= 8*len(w.buf) {
		w.churn = 0
		w.recompute()
	}
}

func (w *Window) add(x float64) {
	w.n++
	delta := x - w.mean
	w.mean += delta / float64(w.n)
	w.m2 += delta * (x - w.mean)
}

func (w *Window) remove(x float64) {
	if w.n <= 1 {
		w.n, w.mean, w.m2 = 0, 0, 0
		return
	}
	w.n--
	delta := x - w.mean
	w.mean -= delta / float64(w.n)
	w.m2 -= delta * (x - w.mean)
	if w.m2 < 0 {
		w.m2 = 0
	}
}

func (w *Window) recompute() {
	vals := w.Values()
	w.n, w.mean, w.m2 = 0, 0, 0
	for _, v := range vals {
		w.add(v)
	}
}

// Mean returns the mean of the held observations.
func (w *Window) Mean() float64 { return w.mean }

// Variance returns the sample variance, 0 with fewer than two observations.
func (w *Window) Variance() float64 {
	if w.n < 2 {
		return 0
	}
	return w.m2 / float64(w.n-1)
}

// StdDev returns the sample standard deviation.
func (w *Window) StdDev() float64 { return math.Sqrt(w.Variance()) }

// Back returns the observation k steps before the latest (k=0 is the latest).
func (w *Window) Back(k int) (float64, bool) {
	if k < 0 || k >= w.n {
		return 0, false
	}
	idx := (w.next - 1 - k + 2*len(w.buf)) % len(w.buf)
	return w.buf[idx], true
}

// Values returns the observations oldest first.
func (w *Window) Values() []float64 {
	out := make([]float64, 0, w.n)
	for k := w.n - 1; k >= 0; k-- {
		v, _ := w.Back(k)
		out = append(out, v)
	}
	return out
}

// Stats is a frozen view of a window's moments.
type Stats struct {
	N      int
	Mean   float64
	StdDev float64
}

// Stats captures the current moments.
func (w *Window) Stats() Stats {
	return Stats{N: w.n, Mean: w.mean, StdDev: w.StdDev()}
}
