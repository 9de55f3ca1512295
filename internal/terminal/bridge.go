package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"

	"github.com/labring/sealos-tty-agent/internal/kube"
	"github.com/labring/sealos-tty-agent/internal/metrics"
)

const (
	// Default cap on stdin buffered ahead of a slow upstream.
	defaultStdinBuffer = 1 << 20

	// An exec attempt that survives this long without erroring is treated
	// as established even if the shell has printed nothing yet.
	defaultStartGrace = 500 * time.Millisecond
)

// shellCandidates is tried in order when the ticket carries no explicit
// command. Only "command not found" class failures fall through.
var shellCandidates = [][]string{
	{"/bin/bash", "-il"},
	{"/usr/bin/bash", "-il"},
	{"bash", "-il"},
	{"/bin/sh", "-i"},
	{"/usr/bin/sh", "-i"},
	{"sh", "-i"},
	{"/bin/ash", "-i"},
	{"/usr/bin/ash", "-i"},
	{"ash", "-i"},
}

var shellNotFoundMarkers = []string{
	"executable file not found",
	"no such file or directory",
	"not found",
	"stat /",
}

// NoShellError reports that every shell candidate failed to start.
type NoShellError struct {
	Tried []string
}

func (e *NoShellError) Error() string {
	return "No shell found in container. Tried: " + strings.Join(e.Tried, ", ")
}

// Request carries everything the bridge needs to open an exec stream.
type Request struct {
	Kubeconfig []byte
	Namespace  string
	Pod        string
	Container  string
	Command    []string
	Cols       uint16
	Rows       uint16
}

// Events are the bridge's callbacks into the session. Started fires at most
// once; Exited fires exactly once and ends the bridge, with nil meaning
// normal exec completion.
type Events struct {
	Started func()
	Status  func(status json.RawMessage)
	Exited  func(err error)
}

// ExecutorFactory builds the upstream exec client. Tests substitute a fake.
type ExecutorFactory func(config *rest.Config, method string, url *url.URL) (remotecommand.Executor, error)

// Bridge owns the upstream side of one session: shell selection, the exec
// stream, and the byte plumbing in both directions.
type Bridge struct {
	logger      *logrus.Logger
	metrics     *metrics.Metrics
	out         io.Writer
	newExecutor ExecutorFactory
	startGrace  time.Duration
	stdin       *stdinQueue

	mu     sync.Mutex
	sink   *ResizableSink
	cols   uint16
	rows   uint16
	cancel context.CancelFunc
	closed bool
}

// NewBridge creates a bridge writing upstream output to out. The writer
// must serialize concurrent writes; the gateway connection wrapper does.
func NewBridge(out io.Writer, logger *logrus.Logger, m *metrics.Metrics) *Bridge {
	return &Bridge{
		logger:      logger,
		metrics:     m,
		out:         out,
		newExecutor: remotecommand.NewSPDYExecutor,
		startGrace:  defaultStartGrace,
		stdin:       newStdinQueue(defaultStdinBuffer),
	}
}

// WriteStdin queues client bytes for the exec stdin. Usable as soon as the
// bridge exists, ahead of Run; queued bytes are delivered once the stream
// attaches.
func (b *Bridge) WriteStdin(p []byte) (int, error) {
	n, err := b.stdin.Write(p)
	if n > 0 && b.metrics != nil {
		b.metrics.BytesToUpstream.Add(float64(n))
	}
	return n, err
}

// Resize propagates new TTY dimensions to the active exec stream. Before
// the stream exists the dimensions are kept for the next attempt.
func (b *Bridge) Resize(cols, rows uint16) {
	b.mu.Lock()
	b.cols, b.rows = cols, rows
	sink := b.sink
	b.mu.Unlock()
	if sink != nil {
		sink.Resize(cols, rows)
	}
}

// Close tears the bridge down: cancels the stream, ends stdin, releases the
// sink. Safe under concurrent and repeated invocation.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	cancel := b.cancel
	sink := b.sink
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sink != nil {
		sink.Close()
	}
	b.stdin.Close()
}

// Run opens the upstream exec and pipes until it ends. Blocking; the
// session runs it on its own goroutine. Events are delivered from this
// goroutine.
func (b *Bridge) Run(ctx context.Context, req Request, ev Events) {
	client, restConfig, err := kube.Clientset(req.Kubeconfig)
	if err != nil {
		ev.Exited(err)
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ev.Exited(ctx.Err())
		return
	}
	b.cancel = cancel
	b.cols, b.rows = req.Cols, req.Rows
	b.mu.Unlock()

	candidates := shellCandidates
	fallback := true
	if len(req.Command) > 0 {
		candidates = [][]string{req.Command}
		fallback = false
	}

	var tried []string
	for _, argv := range candidates {
		established, streamErr, fatal := b.attempt(ctx, client.CoreV1().RESTClient(), restConfig, req, argv, ev)
		if established || fatal {
			b.finish(ev, streamErr)
			return
		}
		if streamErr == nil {
			// Command ran and exited before the grace window; still a
			// successful exec.
			ev.Started()
			b.finish(ev, nil)
			return
		}
		if !fallback || !isShellNotFound(streamErr) {
			b.finish(ev, streamErr)
			return
		}
		tried = append(tried, strings.Join(argv, " "))
		if b.metrics != nil {
			b.metrics.ShellFallbacks.Inc()
		}
		b.logger.WithFields(logrus.Fields{
			"namespace": req.Namespace,
			"pod":       req.Pod,
			"argv":      strings.Join(argv, " "),
		}).WithError(streamErr).Warn("Shell candidate not found, trying next")
	}

	ev.Exited(&NoShellError{Tried: tried})
}

// attempt runs one exec candidate. established means the stream came up
// and ran to its end (streamErr is its final error); fatal means the
// executor could not even be constructed.
func (b *Bridge) attempt(ctx context.Context, restClient rest.Interface, restConfig *rest.Config, req Request, argv []string, ev Events) (established bool, streamErr error, fatal bool) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false, ctx.Err(), true
	}
	sink := NewResizableSink(b.out, b.cols, b.rows)
	b.sink = sink
	b.mu.Unlock()
	defer sink.Close()

	execURL := restClient.Post().
		Resource("pods").
		Name(req.Pod).
		Namespace(req.Namespace).
		SubResource("exec").
		VersionedParams(&v1.PodExecOptions{
			Container: req.Container,
			Command:   argv,
			Stdin:     true,
			Stdout:    true,
			Stderr:    true,
			TTY:       true,
		}, scheme.ParameterCodec).
		URL()

	executor, err := b.newExecutor(restConfig, http.MethodPost, execURL)
	if err != nil {
		return false, fmt.Errorf("create exec client: %w", err), true
	}

	res := make(chan error, 1)
	go func() {
		res <- executor.StreamWithContext(ctx, remotecommand.StreamOptions{
			Stdin:             b.stdin,
			Stdout:            sink,
			Stderr:            sink,
			Tty:               true,
			TerminalSizeQueue: sink,
		})
	}()

	grace := time.NewTimer(b.startGrace)
	defer grace.Stop()

	select {
	case streamErr = <-res:
		return false, streamErr, false
	case <-sink.FirstWrite():
	case <-grace.C:
	}

	// Established: the stream either produced output or outlived the grace
	// window without erroring.
	if b.metrics != nil {
		b.metrics.ExecsStarted.Inc()
	}
	ev.Started()
	return true, <-res, false
}

// finish maps the stream outcome onto status/error events. The SPDY client
// surfaces the upstream V4 status as an error value, so the status frame is
// re-materialized here.
func (b *Bridge) finish(ev Events, err error) {
	if err == nil {
		ev.Status(marshalStatus(metav1.Status{Status: metav1.StatusSuccess}))
		ev.Exited(nil)
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		ev.Exited(err)
		return
	}

	var exitErr utilexec.CodeExitError
	if errors.As(err, &exitErr) {
		// SIGKILL of the shell is the usual outcome of the peer going
		// away mid-session; treat it like a normal hangup.
		if exitErr.Code == 137 {
			ev.Status(marshalStatus(metav1.Status{Status: metav1.StatusSuccess}))
			ev.Exited(nil)
			return
		}
		ev.Status(marshalStatus(metav1.Status{
			Status:  metav1.StatusFailure,
			Message: exitErr.Error(),
			Reason:  metav1.StatusReason("NonZeroExitCode"),
			Code:    int32(exitErr.Code),
		}))
		ev.Exited(err)
		return
	}

	ev.Status(marshalStatus(metav1.Status{
		Status:  metav1.StatusFailure,
		Message: err.Error(),
	}))
	ev.Exited(err)
}

func marshalStatus(status metav1.Status) json.RawMessage {
	data, err := json.Marshal(status)
	if err != nil {
		return json.RawMessage(`{"status":"Failure"}`)
	}
	return data
}

func isShellNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range shellNotFoundMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
