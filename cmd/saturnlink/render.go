package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/mzyy94/saturnlink/internal/engine"
)

var (
	kindStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Width(18)
	readyStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// renderEvent formats one engine event as a terminal line.
func renderEvent(ev engine.Event) string {
	var body string
	switch e := ev.(type) {
	case engine.DeviceFound:
		body = fmt.Sprintf("%s %s %s", e.Address, e.Name, dimStyle.Render(e.Model))
	case engine.StatusUpdate:
		body = e.Text
		switch {
		case e.Text == engine.TextTransferError:
			body = errorStyle.Render(e.Text)
		case e.TotalLayers > 0:
			body += dimStyle.Render(fmt.Sprintf(" layer %d/%d %s", e.Layer, e.TotalLayers, e.Filename))
		case e.Filename != "":
			body += dimStyle.Render(" " + e.Filename)
		}
	case engine.UploadProgress:
		body = fmt.Sprintf("%3d%%", e.Percent)
	case engine.ConnectionReady:
		body = readyStyle.Render("printer connected")
	case engine.FileReadyToPrint:
		body = readyStyle.Render(e.Filename)
	case engine.ModelDetected:
		body = e.Model
	case engine.LogMessage:
		body = dimStyle.Render(e.Text)
	default:
		body = fmt.Sprintf("%v", ev)
	}
	return kindStyle.Render(ev.Kind()) + " " + body
}

func printEvent(w io.Writer, ev engine.Event) {
	fmt.Fprintln(w, renderEvent(ev))
}
