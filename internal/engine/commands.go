package engine

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mzyy94/saturnlink/internal/fileserver"
	"github.com/mzyy94/saturnlink/internal/sdcp"
)

// nextPacketID returns a fresh packet id. Ids wrap at 16 bits and skip 0.
func (e *Engine) nextPacketID() uint16 {
	e.s.packetID++
	if e.s.packetID == 0 {
		e.s.packetID = 1
	}
	return e.s.packetID
}

// sendCommand publishes a command envelope to the printer. Must run on the loop.
func (e *Engine) sendCommand(cmd int, data any) error {
	if e.s.conn == nil {
		e.notice(slog.LevelWarn, "attempting to send command while disconnected", "cmd", cmd)
		return ErrDisconnected
	}
	payload, err := sdcp.NewRequest(cmd, data, e.s.mainboardID, e.s.identity, time.Now()).Marshal()
	if err != nil {
		return fmt.Errorf("encode command %d: %w", cmd, err)
	}
	topic := sdcp.TopicRequest + e.s.mainboardID
	if err := e.s.conn.Publish(topic, e.nextPacketID(), payload); err != nil {
		slog.Error("send command failed", "cmd", cmd, "err", err)
		return fmt.Errorf("send command %d: %w", cmd, err)
	}
	slog.Debug("command sent", "cmd", cmd, "topic", topic)
	return nil
}

// handshake requests attributes, status and a status push interval.
func (e *Engine) handshake() {
	steps := []struct {
		cmd  int
		data any
	}{
		{sdcp.CmdGetAttributes, nil},
		{sdcp.CmdGetStatus, nil},
		{sdcp.CmdSetStatusPeriod, sdcp.StatusPeriodData{TimePeriod: e.opts.StatusPeriod}},
	}
	for _, st := range steps {
		if err := e.sendCommand(st.cmd, st.data); err != nil {
			slog.Warn("handshake aborted", "cmd", st.cmd, "err", err)
			return
		}
	}
}

// SendCommand publishes an arbitrary command to the connected printer.
func (e *Engine) SendCommand(cmd int, data any) error {
	var err error
	if cerr := e.call(func() { err = e.sendCommand(cmd, data) }); cerr != nil {
		return cerr
	}
	return err
}

// Handshake re-sends the connection handshake.
func (e *Engine) Handshake() error {
	var err error
	if cerr := e.call(func() {
		if e.s.conn == nil {
			err = ErrDisconnected
			return
		}
		e.handshake()
	}); cerr != nil {
		return cerr
	}
	return err
}

func (e *Engine) printExisting(filename string) error {
	return e.sendCommand(sdcp.CmdStartPrint, sdcp.StartPrintData{Filename: filename, StartLayer: 0})
}

// PrintExisting starts printing a file already stored on the printer.
func (e *Engine) PrintExisting(filename string) error {
	var err error
	if cerr := e.call(func() { err = e.printExisting(filename) }); cerr != nil {
		return cerr
	}
	return err
}

// hashFile returns the hex MD5 and size of the file at path.
func hashFile(ctx context.Context, path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	h := md5.New()
	n, err := io.Copy(h, &ctxReader{ctx: ctx, r: f})
	if err != nil {
		return "", 0, fmt.Errorf("hash upload: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// UploadAndPrint publishes the file at path under a new token and asks the
// printer to download it. When autoStart is set, printing starts once the
// printer reports the transfer complete. Any previous token stops resolving.
func (e *Engine) UploadAndPrint(ctx context.Context, path string, autoStart bool) error {
	sum, size, err := hashFile(ctx, path)
	if err != nil {
		e.notice(slog.LevelError, "upload aborted: cannot read file", "path", path, "err", err)
		return err
	}
	token := sdcp.RandomHex() + sdcp.UploadExtension
	filename := filepath.Base(path)

	var sendErr error
	if cerr := e.call(func() {
		if e.s.conn == nil {
			e.notice(slog.LevelWarn, "attempting to send command while disconnected", "cmd", sdcp.CmdUploadFile)
			sendErr = ErrDisconnected
			return
		}
		e.s.transfer = &transfer{
			Transfer:  fileserver.Transfer{Token: token, Path: path, MD5: sum, Size: size},
			Filename:  filename,
			AutoPrint: autoStart,
		}
		e.s.readyNotified = ""
		sendErr = e.sendCommand(sdcp.CmdUploadFile, sdcp.UploadFileData{
			Check:      0,
			CleanCache: 1,
			Compress:   0,
			FileSize:   size,
			Filename:   filename,
			MD5:        sum,
			URL:        fmt.Sprintf("http://${ipaddr}:%d/%s", e.s.filePort, token),
		})
		if sendErr == nil {
			e.notice(slog.LevelInfo, fmt.Sprintf("upload offered: %s (%d bytes)", filename, size), "md5", sum)
		}
	}); cerr != nil {
		return cerr
	}
	return sendErr
}
