package transcribe

import (
	"context"
	"io"
	"os/exec"
	"sync"

	"github.com/rs/zerolog/log"
)

// Converter is a pipeline stage wrapping an ffmpeg subprocess that decodes
// whatever container/codec the client records into raw mono 16 kHz linear
// PCM. Input arrives via Write in push order; decoded output is handed to
// the sink chunk by chunk. Rate decoupling between the sink and the network
// is the stream client's queue, not this stage.
type Converter struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu       sync.Mutex
	inClosed bool
	done     chan struct{}
}

// StartConverter spawns the subprocess and begins pumping its stdout into
// sink. The sink must not block for long; it is called from the single
// reader goroutine.
func StartConverter(ctx context.Context, ffmpegPath string, sink func([]byte)) (*Converter, error) {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, ffmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", "s16le", "-acodec", "pcm_s16le", "-ac", "1", "-ar", "16000",
		"pipe:1",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	c := &Converter{cmd: cmd, stdin: stdin, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		buf := make([]byte, 8192)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				sink(chunk)
			}
			if err != nil {
				if err != io.EOF {
					log.Warn().Err(err).Str("module", "transcribe.converter").Msg("stdout read error")
				}
				_ = cmd.Wait()
				return
			}
		}
	}()
	log.Info().Str("module", "transcribe.converter").Str("path", ffmpegPath).Msg("converter started")
	return c, nil
}

// Write pushes raw container data into the subprocess. Chunk order follows
// call order.
func (c *Converter) Write(data []byte) error {
	c.mu.Lock()
	closed := c.inClosed
	c.mu.Unlock()
	if closed {
		return io.ErrClosedPipe
	}
	_, err := c.stdin.Write(data)
	return err
}

// CloseInput signals end-of-stream to the subprocess, letting it flush and
// exit on its own. Idempotent.
func (c *Converter) CloseInput() {
	c.mu.Lock()
	if c.inClosed {
		c.mu.Unlock()
		return
	}
	c.inClosed = true
	c.mu.Unlock()
	_ = c.stdin.Close()
}

// Close releases the subprocess without waiting for graceful shutdown: the
// input pipe is closed and the process killed if it has not exited yet.
func (c *Converter) Close() {
	c.CloseInput()
	select {
	case <-c.done:
	default:
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
	}
}
