package test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/isee/rtsp-client/pkg/rtsp"
)

// MediaMTX runs a MediaMTX container on the host network and publishes a
// synthetic H264 test pattern to it with ffmpeg. Both tools must be installed.
type MediaMTX struct {
	containerName string
	port          int

	ctx       context.Context
	cancel    context.CancelFunc
	publisher *exec.Cmd
	running   bool
}

// NewMediaMTX creates a harness listening on port
func NewMediaMTX(containerName string, port int) *MediaMTX {
	ctx, cancel := context.WithCancel(context.Background())
	return &MediaMTX{
		containerName: containerName,
		port:          port,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Available reports whether docker and ffmpeg can be executed
func Available() error {
	if err := exec.Command("docker", "--version").Run(); err != nil {
		return fmt.Errorf("docker command not found: %w", err)
	}
	if err := exec.Command("ffmpeg", "-version").Run(); err != nil {
		return fmt.Errorf("ffmpeg command not found: %w", err)
	}
	return nil
}

// Start runs the container and begins publishing to streamPath
func (m *MediaMTX) Start(streamPath string) error {
	if m.running {
		return fmt.Errorf("MediaMTX server is already running")
	}

	// a container left behind by an aborted run would hold the port
	exec.Command("docker", "rm", "-f", m.containerName).Run()

	cmd := exec.CommandContext(m.ctx,
		"docker", "run", "-d", "--rm",
		"--network", "host",
		"--name", m.containerName,
		"-e", fmt.Sprintf("MTX_RTSPADDRESS=:%d", m.port),
		"-e", "MTX_PROTOCOLS=udp,tcp",
		"bluenviron/mediamtx",
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to start MediaMTX container: %w\nOutput: %s", err, output)
	}
	m.running = true

	if err := m.waitForReady(10 * time.Second); err != nil {
		return err
	}

	m.publisher = exec.CommandContext(m.ctx, "ffmpeg",
		"-re",
		"-f", "lavfi", "-i", "testsrc=size=320x240:rate=25",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-g", "25",
		"-rtsp_transport", "tcp",
		"-f", "rtsp",
		m.URL(streamPath),
	)
	m.publisher.Stdout = os.Stderr
	m.publisher.Stderr = os.Stderr
	if err := m.publisher.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	// publishing starts once ffmpeg has its first encoded frames
	time.Sleep(2 * time.Second)
	return nil
}

// Stop stops the publisher and the container
func (m *MediaMTX) Stop() {
	if !m.running {
		return
	}
	m.cancel()

	if m.publisher != nil && m.publisher.Process != nil {
		done := make(chan error, 1)
		go func() { done <- m.publisher.Wait() }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			m.publisher.Process.Kill()
		}
	}

	exec.Command("docker", "stop", m.containerName).Run()
	m.running = false
}

// Port returns the RTSP port
func (m *MediaMTX) Port() int {
	return m.port
}

// URL returns the RTSP URL for a stream
func (m *MediaMTX) URL(streamPath string) string {
	return rtsp.BuildURI("127.0.0.1", m.port, streamPath, "")
}

// waitForReady waits until the control port accepts an OPTIONS request
func (m *MediaMTX) waitForReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	addr := fmt.Sprintf("127.0.0.1:%d", m.port)

	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(m.ctx, time.Second)
		conn, err := rtsp.Dial(ctx, addr, rtsp.ConnConfig{Timeout: time.Second})
		if err == nil {
			_, err = conn.Send(ctx, rtsp.NewRequest(rtsp.MethodOptions, m.URL("")))
			conn.Close()
		}
		cancel()
		if err == nil {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("MediaMTX container failed to start within %v", timeout)
}
