package bench

import (
	"fmt"
	"io"
	"time"
)

// Report aggregates the results of a run.
type Report struct {
	Options Options
	Elapsed time.Duration
	Results []Result
}

// Passed returns the number of workers that passed.
func (r Report) Passed() int {
	n := 0
	for _, res := range r.Results {
		if res.Passed(r.Options) {
			n++
		}
	}
	return n
}

// Failed returns the number of workers that did not pass.
func (r Report) Failed() int {
	return len(r.Results) - r.Passed()
}

// Errors returns the first error of every failed worker, prefixed with the
// phase it happened in.
func (r Report) Errors() []string {
	var out []string
	for _, res := range r.Results {
		switch {
		case res.ConnectErr != nil:
			out = append(out, fmt.Sprintf("worker #%d: connect: %v", res.Worker, res.ConnectErr))
		case res.SendErr != nil:
			out = append(out, fmt.Sprintf("worker #%d: send: %v", res.Worker, res.SendErr))
		case res.RecvErr != nil:
			out = append(out, fmt.Sprintf("worker #%d: receive: %v", res.Worker, res.RecvErr))
		case res.ServerErr != "":
			out = append(out, fmt.Sprintf("worker #%d: server error: %s", res.Worker, res.ServerErr))
		case !res.Passed(r.Options):
			out = append(out, fmt.Sprintf("worker #%d: sent %d, received %d of %d",
				res.Worker, res.MsgsSent, res.MsgsRecvd, r.Options.MsgsPerConn))
		}
	}
	return out
}

// durationStats tracks min, max and sum of a set of durations.
type durationStats struct {
	n             int
	min, max, sum time.Duration
}

func (s *durationStats) add(d time.Duration) {
	if s.n == 0 || d < s.min {
		s.min = d
	}
	if d > s.max {
		s.max = d
	}
	s.sum += d
	s.n++
}

func (s durationStats) avg() time.Duration {
	if s.n == 0 {
		return 0
	}
	return s.sum / time.Duration(s.n)
}

func (s durationStats) String() string {
	return fmt.Sprintf("%f, %f, %f secs", s.min.Seconds(), s.avg().Seconds(), s.max.Seconds())
}

// Print writes a human readable summary to w. Without test mode only the
// totals are printed.
func (r Report) Print(w io.Writer) {
	total := len(r.Results)
	passed := r.Passed()

	fmt.Fprintf(w, "Total time: %f secs\n", r.Elapsed.Seconds())
	if total == 0 {
		return
	}
	fmt.Fprintf(w, "%d passed, %d failed, %d total (%.2f%% passed)\n",
		passed, total-passed, total, float64(passed)/float64(total)*100)

	var connect, send, recv durationStats
	var sent, recvd int
	for _, res := range r.Results {
		if !res.Connected {
			continue
		}
		connect.add(res.ConnectDur)
		send.add(res.SendDur)
		sent += res.MsgsSent
		if r.Options.Test {
			recv.add(res.RecvDur)
			recvd += res.MsgsRecvd
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Connected: %d of %d\n", connect.n, total)
	if connect.n > 0 {
		fmt.Fprintf(w, "\tMin, Average, Max time to connect: %s\n", connect)
		fmt.Fprintf(w, "\tMin, Average, Max time to send msgs: %s\n", send)
		fmt.Fprintf(w, "Messages sent: %d of %d\n", sent, total*r.Options.MsgsPerConn)
	}
	if r.Options.Test && recv.n > 0 {
		fmt.Fprintf(w, "\tMin, Average, Max time to receive msgs: %s\n", recv)
		fmt.Fprintf(w, "Messages received back: %d of %d\n", recvd, total*r.Options.MsgsPerConn)
	}

	if errs := r.Errors(); len(errs) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors (%d):\n", len(errs))
		for _, e := range errs {
			fmt.Fprintf(w, "\t%s\n", e)
		}
	}
}
