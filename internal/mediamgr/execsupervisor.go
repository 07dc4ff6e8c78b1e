package mediamgr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

// ExecSupervisor launches streaming children as OS processes. The pre-bound
// listener socket is passed to the child as an inherited file descriptor so
// the bind is never given up; join requests are delivered to the child as
// JSON lines on stdin.
type ExecSupervisor struct {
	command string
	logger  *logrus.Logger
}

// NewExecSupervisor creates a supervisor launching the given streamer
// binary.
func NewExecSupervisor(command string, logger *logrus.Logger) *ExecSupervisor {
	return &ExecSupervisor{command: command, logger: logger}
}

// StartStream launches one streaming child. The child inherits the listener
// on fd 3.
func (s *ExecSupervisor) StartStream(ctx context.Context, req StartRequest) (Stream, error) {
	tcpLn, ok := req.Listener.(*net.TCPListener)
	if !ok {
		return nil, fmt.Errorf("listener is not TCP")
	}
	lnFile, err := tcpLn.File()
	if err != nil {
		return nil, fmt.Errorf("extracting listener fd: %w", err)
	}
	port := tcpLn.Addr().(*net.TCPAddr).Port

	cmd := exec.CommandContext(ctx, s.command,
		"--db", req.Db,
		"--doc", req.Doc,
		"--attachment", req.Attachment,
		"--media-name", req.MediaName,
		"--reply-to", req.ReplyTo,
		"--mode", string(req.Mode),
		"--port", strconv.Itoa(port),
		"--listen-fd", "3",
	)
	cmd.ExtraFiles = []*os.File{lnFile}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = lnFile.Close()
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		_ = lnFile.Close()
		return nil, fmt.Errorf("starting streamer: %w", err)
	}

	// The child owns the inherited descriptor now; drop the parent's
	// copies.
	_ = lnFile.Close()
	_ = tcpLn.Close()

	child := &execStream{
		stdin:  stdin,
		done:   make(chan struct{}),
		logger: s.logger,
	}
	go func() {
		err := cmd.Wait()
		if err != nil {
			s.logger.WithError(err).WithField("media", req.MediaName).Warn("Streamer exited with error")
		}
		close(child.done)
	}()

	s.logger.WithFields(logrus.Fields{
		"media": req.MediaName,
		"mode":  req.Mode,
		"port":  port,
		"pid":   cmd.Process.Pid,
	}).Info("Streamer started")
	return child, nil
}

type execStream struct {
	mu     sync.Mutex
	stdin  io.WriteCloser
	done   chan struct{}
	logger *logrus.Logger
}

type listenerMsg struct {
	AddListener string `json:"add_listener"`
}

func (s *execStream) AddListener(replyTo string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	line, err := json.Marshal(listenerMsg{AddListener: replyTo})
	if err != nil {
		return
	}
	line = append(line, '\n')
	if _, err := s.stdin.Write(line); err != nil {
		s.logger.WithError(err).Warn("Failed to deliver listener to streamer")
	}
}

func (s *execStream) Done() <-chan struct{} {
	return s.done
}
