package faster

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/meetscribe/internal/asr"
)

// maxLine bounds one worker response; an hour of dense speech stays well under it.
const maxLine = 64 << 20

type request struct {
	Audio    string `json:"audio"`
	Language string `json:"language,omitempty"`
	VAD      bool   `json:"vad"`
	BeamSize int    `json:"beam_size"`
}

type wireSegment struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	AvgLogProb *float64 `json:"avg_logprob"`
}

type response struct {
	Ready    bool          `json:"ready"`
	Error    string        `json:"error"`
	Language string        `json:"language"`
	Segments []wireSegment `json:"segments"`
}

func (r *response) segments() []asr.Segment {
	out := make([]asr.Segment, 0, len(r.Segments))
	for _, s := range r.Segments {
		conf := float64(asr.ConfidenceUnknown)
		if s.AvgLogProb != nil {
			conf = asr.ConfidenceFromLogProb(*s.AvgLogProb)
		}
		out = append(out, asr.Segment{
			Start:      seconds(s.Start),
			End:        seconds(s.End),
			Text:       s.Text,
			Confidence: conf,
		})
	}
	return out
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// worker is one running interpreter speaking the line protocol.
type worker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	out    *bufio.Reader
	stderr *tailBuffer
	done   chan struct{}
}

// startWorker launches the interpreter and waits for its ready line.
func startWorker(ctx context.Context, python string, args []string) (*worker, error) {
	cmd := exec.Command(python, args...)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	// A plain pipe rather than StdoutPipe: Wait must not close our end
	// before the last response has been read.
	stdout, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = pw
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr

	err = cmd.Start()
	_ = pw.Close()
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("start %s: %w", python, err)
	}

	w := &worker{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		out:    bufio.NewReaderSize(stdout, 64<<10),
		stderr: stderr,
		done:   make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(w.done)
	}()

	resp, err := w.read(ctx)
	if err != nil {
		w.kill()
		return nil, err
	}
	if resp.Error != "" {
		w.kill()
		return nil, errors.New(resp.Error)
	}
	if !resp.Ready {
		w.kill()
		return nil, errors.New("worker did not report ready")
	}
	return w, nil
}

// call sends one request and waits for its response.
func (w *worker) call(ctx context.Context, req request) (*response, error) {
	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := w.stdin.Write(append(line, '\n')); err != nil {
		return nil, w.exitError(fmt.Errorf("send request: %w", err))
	}
	return w.read(ctx)
}

func (w *worker) read(ctx context.Context) (*response, error) {
	type result struct {
		resp *response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := readLine(w.out)
		if err != nil {
			ch <- result{err: err}
			return
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			ch <- result{err: fmt.Errorf("decode worker output %q: %w", truncate(string(line), 200), err)}
			return
		}
		ch <- result{resp: &resp}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, w.exitError(r.err)
		}
		return r.resp, nil
	case <-ctx.Done():
		w.kill()
		return nil, ctx.Err()
	}
}

// exitError decorates err with the worker's stderr tail once it has exited.
func (w *worker) exitError(err error) error {
	select {
	case <-w.done:
	case <-time.After(500 * time.Millisecond):
	}
	if tail := strings.TrimSpace(w.stderr.String()); tail != "" {
		return fmt.Errorf("%w: %s", err, truncate(lastLines(tail, 3), 500))
	}
	return err
}

// stop closes stdin so the worker exits its request loop, killing it if it
// has not exited within grace.
func (w *worker) stop(grace time.Duration) error {
	_ = w.stdin.Close()
	defer func() { _ = w.stdout.Close() }()
	select {
	case <-w.done:
		return nil
	case <-time.After(grace):
		w.kill()
		return fmt.Errorf("worker did not exit within %s", grace)
	}
}

func (w *worker) kill() {
	select {
	case <-w.done:
	default:
		killProcessGroup(w.cmd)
		<-w.done
	}
	_ = w.stdout.Close()
}

func readLine(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > maxLine {
			return nil, errors.New("worker response too large")
		}
		if err == nil {
			return bytes.TrimSpace(buf), nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			if err == io.EOF {
				return nil, errors.New("worker exited")
			}
			return nil, err
		}
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
