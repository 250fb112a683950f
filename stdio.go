package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"sync"
)

// StdIO implements a Transport over an io.Reader/io.Writer pair using
// newline-delimited JSON-RPC message encoding. It is the transport used for
// stdin/stdout pipes and, through NewNetTransport and NewCommandTransport,
// for raw sockets and child processes.
//
// Writes are queued through an internal goroutine so concurrent callers never
// interleave partial frames. Resources must be released by calling Close when
// the instance is no longer needed.
type StdIO struct {
	reader io.Reader
	writer io.Writer
	closer io.Closer
	logger *slog.Logger

	buf *bufio.Reader

	writeMessages chan stdIOMessage
	done          chan struct{}
	closeOnce     sync.Once
	writeClosed   chan struct{}
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// StdIOOption configures a StdIO transport.
type StdIOOption func(*StdIO)

// WithStdIOLogger sets the logger used by the transport. Defaults to
// slog.Default().
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.logger = logger
	}
}

// NewStdIO creates a transport over the provided reader and writer. The
// instance is initialized with default logging and its internal write queue
// already running.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) *StdIO {
	s := &StdIO{
		reader:        reader,
		writer:        writer,
		logger:        slog.Default(),
		writeMessages: make(chan stdIOMessage),
		done:          make(chan struct{}),
		writeClosed:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	s.buf = bufio.NewReader(s.reader)

	go s.processWriteMessages()

	return s
}

// NewNetTransport creates a transport over a connected duplex socket. Closing
// the transport closes the connection.
func NewNetTransport(conn net.Conn, options ...StdIOOption) *StdIO {
	s := NewStdIO(conn, conn, options...)
	s.closer = conn
	return s
}

// CommandTransport runs a child process and exchanges messages over its
// standard streams. The process is started by NewCommandTransport and waited
// on by Close.
type CommandTransport struct {
	*StdIO

	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// NewCommandTransport starts cmd and returns a transport wired to its stdin
// and stdout. The command's stderr is left untouched so the caller can route
// diagnostics wherever it wants.
func NewCommandTransport(cmd *exec.Cmd, options ...StdIOOption) (*CommandTransport, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	return &CommandTransport{
		StdIO: NewStdIO(stdout, stdin, options...),
		cmd:   cmd,
		stdin: stdin,
	}, nil
}

// Close closes the child's stdin, which signals it to exit, then waits for
// the process so it is reaped.
func (c *CommandTransport) Close() error {
	err := c.StdIO.Close()
	_ = c.stdin.Close()
	if waitErr := c.cmd.Wait(); waitErr != nil && err == nil {
		err = waitErr
	}
	return err
}

// Next implements Transport. It reads one newline-delimited JSON message.
// Lines that fail to decode are logged and skipped rather than tearing down
// the stream.
func (s *StdIO) Next(ctx context.Context) (Message, error) {
	for {
		type lineWithErr struct {
			line string
			err  error
		}

		lines := make(chan lineWithErr, 1)

		// Read in a goroutine so a slow reader doesn't block cancellation.
		go func() {
			line, err := s.buf.ReadString('\n')
			if err != nil {
				lines <- lineWithErr{err: err}
				return
			}
			lines <- lineWithErr{line: strings.TrimSuffix(line, "\n")}
		}()

		var lwe lineWithErr
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-s.done:
			return Message{}, io.EOF
		case lwe = <-lines:
		}

		if lwe.err != nil {
			if errors.Is(lwe.err, io.EOF) || errors.Is(lwe.err, io.ErrClosedPipe) || errors.Is(lwe.err, net.ErrClosed) {
				return Message{}, io.EOF
			}
			return Message{}, fmt.Errorf("failed to read message: %w", lwe.err)
		}

		if lwe.line == "" {
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(lwe.line), &msg); err != nil {
			s.logger.Error("failed to unmarshal message", "err", err)
			continue
		}

		return msg, nil
	}
}

// Write implements Transport. The message is framed as one JSON line and
// queued for the writer goroutine; Write returns once the line hit the
// underlying writer.
func (s *StdIO) Write(ctx context.Context, msg Message) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol.
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errTransportClosed
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errTransportClosed
	}
}

// Close implements Transport.
func (s *StdIO) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	<-s.writeClosed
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func (s *StdIO) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}
