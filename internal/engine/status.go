package engine

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mzyy94/saturnlink/internal/sdcp"
)

// Status texts carried by StatusUpdate.
const (
	TextExposing      = "exposing"
	TextRetracting    = "retracting"
	TextLowering      = "lowering"
	TextComplete      = "complete/paused"
	TextProcessing    = "processing file"
	TextReady         = "ready"
	TextTransferError = "error in last transfer"
)

// StatusSnapshot is the most recent status message, flattened.
type StatusSnapshot struct {
	CurrentStatus    int       `json:"currentStatus"`
	PrintStatus      int       `json:"printStatus"`
	TransferStatus   int       `json:"transferStatus"`
	CurrentLayer     int       `json:"currentLayer"`
	TotalLayer       int       `json:"totalLayer"`
	DownloadOffset   float64   `json:"downloadOffset"`
	FileTotalSize    float64   `json:"fileTotalSize"`
	Filename         string    `json:"filename"`
	TransferFilename string    `json:"transferFilename"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func snapshotOf(st sdcp.Status, now time.Time) StatusSnapshot {
	return StatusSnapshot{
		CurrentStatus:    int(st.CurrentStatus),
		PrintStatus:      int(st.PrintInfo.Status),
		TransferStatus:   int(st.FileTransferInfo.Status),
		CurrentLayer:     st.PrintInfo.CurrentLayer,
		TotalLayer:       st.PrintInfo.TotalLayer,
		DownloadOffset:   st.FileTransferInfo.DownloadOffset,
		FileTotalSize:    st.FileTransferInfo.FileTotalSize,
		Filename:         st.PrintInfo.Filename,
		TransferFilename: st.FileTransferInfo.Filename,
		UpdatedAt:        now,
	}
}

func printText(code int) string {
	switch code {
	case sdcp.PrintExposure:
		return TextExposing
	case sdcp.PrintRetracting:
		return TextRetracting
	case sdcp.PrintLowering:
		return TextLowering
	case sdcp.PrintComplete:
		return TextComplete
	default:
		return fmt.Sprintf("printing (code %d)", code)
	}
}

// handleMessage interprets one inbound broker message. Must run on the loop.
func (e *Engine) handleMessage(topic string, payload []byte) {
	msg, err := sdcp.ParseMessage(payload)
	if err != nil {
		slog.Warn("ignoring undecodable message", "topic", topic, "err", err)
		return
	}

	if sdcp.ShouldAdoptIdentity(msg.ID, e.s.mainboardID, e.s.identity) {
		e.s.identity = msg.ID
		e.notice(slog.LevelInfo, "printer identity detected via broker", "identity", msg.ID)
		if e.s.address != "" {
			dev := sdcp.Device{Address: e.s.address, Identity: msg.ID, MainboardID: e.s.mainboardID}
			go e.saveDevice(dev)
		}
	}

	switch {
	case strings.Contains(topic, sdcp.TopicAttributes):
		if model := msg.Data.Attributes.MachineName; model != "" {
			e.s.model = model
			e.bus.Publish(ModelDetected{Model: model})
		}
	case strings.Contains(topic, sdcp.TopicStatus):
		if e.s.mainboardID == "" {
			if i := strings.LastIndex(topic, "/"); i >= 0 && i < len(topic)-1 {
				e.s.mainboardID = topic[i+1:]
				slog.Info("mainboard id captured", "id", e.s.mainboardID)
			}
		}
		e.interpretStatus(msg.Data.Status)
	}
}

func (e *Engine) interpretStatus(st sdcp.Status) {
	snap := snapshotOf(st, time.Now())
	e.s.last = &snap

	cur, ps, ts := snap.CurrentStatus, snap.PrintStatus, snap.TransferStatus
	offset, total := snap.DownloadOffset, snap.FileTotalSize

	switch {
	case cur == sdcp.MachineBusy && ps > sdcp.PrintIdle:
		e.bus.Publish(StatusUpdate{
			Text:        printText(ps),
			Layer:       snap.CurrentLayer,
			TotalLayers: snap.TotalLayer,
			Filename:    snap.Filename,
		})
	case cur == sdcp.MachineBusy && (ts == sdcp.TransferActive || offset > 0):
		if total > 0 && offset < total {
			percent := int(offset / total * 100)
			e.bus.Publish(UploadProgress{Percent: percent})
			e.bus.Publish(StatusUpdate{Text: fmt.Sprintf("receiving %d%%", percent), Filename: snap.TransferFilename})
		} else {
			e.bus.Publish(StatusUpdate{Text: TextProcessing, Filename: snap.TransferFilename})
		}
	case cur == sdcp.MachineReady:
		e.bus.Publish(StatusUpdate{Text: TextReady})
		e.bus.Publish(UploadProgress{Percent: 0})
		name := snap.TransferFilename
		if ts == sdcp.TransferSuccess && name != "" && e.s.readyNotified != name {
			e.s.readyNotified = name
			e.bus.Publish(FileReadyToPrint{Filename: name})
		}
	}

	if ts != sdcp.TransferSuccess {
		e.s.readyNotified = ""
	}

	switch ts {
	case sdcp.TransferSuccess:
		if t := e.s.transfer; t != nil && t.AutoPrint {
			t.AutoPrint = false
			e.notice(slog.LevelInfo, "transfer complete, starting print: "+t.Filename)
			if err := e.printExisting(t.Filename); err != nil {
				slog.Error("auto print failed", "file", t.Filename, "err", err)
			}
		}
	case sdcp.TransferError:
		if e.s.transfer != nil {
			e.s.transfer.AutoPrint = false
		}
		if cur == sdcp.MachineReady {
			e.bus.Publish(StatusUpdate{Text: TextTransferError})
		}
	}
}

// State describes the session for status pages.
type State struct {
	Connected   bool            `json:"connected"`
	Address     string          `json:"address"`
	LocalIP     string          `json:"localIp"`
	BrokerPort  int             `json:"brokerPort"`
	FilePort    int             `json:"filePort"`
	MainboardID string          `json:"mainboardId"`
	Identity    string          `json:"identity"`
	Model       string          `json:"model"`
	Upload      string          `json:"upload,omitempty"`
	Status      *StatusSnapshot `json:"status,omitempty"`
}

// State returns a copy of the current session facts.
func (e *Engine) State() (State, error) {
	var st State
	err := e.call(func() {
		st = State{
			Connected:   e.s.conn != nil,
			Address:     e.s.address,
			LocalIP:     e.s.localIP,
			BrokerPort:  e.s.brokerPort,
			FilePort:    e.s.filePort,
			MainboardID: e.s.mainboardID,
			Identity:    e.s.identity,
			Model:       e.s.model,
		}
		if e.s.transfer != nil {
			st.Upload = e.s.transfer.Filename
		}
		if e.s.last != nil {
			snap := *e.s.last
			st.Status = &snap
		}
	})
	return st, err
}
