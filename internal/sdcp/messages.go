package sdcp

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RandomHex returns 32 lowercase hex characters from a random UUID.
func RandomHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Request is the outbound command envelope published on TopicRequest.
type Request struct {
	Data RequestData `json:"Data"`
	ID   string      `json:"Id"`
}

// RequestData is the inner command body.
type RequestData struct {
	Cmd         int    `json:"Cmd"`
	Data        any    `json:"Data"`
	From        int    `json:"From"`
	MainboardID string `json:"MainboardID"`
	RequestID   string `json:"RequestID"`
	TimeStamp   int64  `json:"TimeStamp"`
}

// NewRequest builds a command envelope. The envelope Id is the device identity
// when known and the mainboard id otherwise.
func NewRequest(cmd int, data any, mainboardID, identity string, now time.Time) Request {
	id := identity
	if id == "" {
		id = mainboardID
	}
	return Request{
		Data: RequestData{
			Cmd:         cmd,
			Data:        data,
			From:        0,
			MainboardID: mainboardID,
			RequestID:   RandomHex(),
			TimeStamp:   now.UnixMilli(),
		},
		ID: id,
	}
}

// Marshal encodes the request as compact JSON.
func (r Request) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// StartPrintData is the body of CmdStartPrint.
type StartPrintData struct {
	Filename   string `json:"Filename"`
	StartLayer int    `json:"StartLayer"`
}

// UploadFileData is the body of CmdUploadFile.
type UploadFileData struct {
	Check      int    `json:"Check"`
	CleanCache int    `json:"CleanCache"`
	Compress   int    `json:"Compress"`
	FileSize   int64  `json:"FileSize"`
	Filename   string `json:"Filename"`
	MD5        string `json:"MD5"`
	URL        string `json:"URL"`
}

// StatusPeriodData is the body of CmdSetStatusPeriod.
type StatusPeriodData struct {
	TimePeriod int `json:"TimePeriod"`
}

// Code is an integer status field. Newer firmware reports some codes as a
// one-element array, so both forms decode to the same value.
type Code int

func (c *Code) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*c = 0
		return nil
	}
	if b[0] == '[' {
		var arr []float64
		if err := json.Unmarshal(b, &arr); err != nil {
			return err
		}
		if len(arr) == 0 {
			*c = 0
		} else {
			*c = Code(arr[0])
		}
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*c = Code(f)
	return nil
}

// Message is an inbound publish body. Absent fields decode to zero values.
type Message struct {
	ID   string      `json:"Id"`
	Data MessageData `json:"Data"`
}

// UnmarshalJSON reads Id leniently: a value that is not a string leaves ID
// empty instead of failing the whole message.
func (m *Message) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID   json.RawMessage `json:"Id"`
		Data MessageData     `json:"Data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	m.Data = raw.Data
	m.ID = ""
	var id string
	if len(raw.ID) > 0 && json.Unmarshal(raw.ID, &id) == nil {
		m.ID = id
	}
	return nil
}

// MessageData holds the union of the attribute and status shapes.
type MessageData struct {
	Attributes Attributes `json:"Attributes"`
	Status     Status     `json:"Status"`
}

// Attributes describes the machine.
type Attributes struct {
	Name            string `json:"Name"`
	MachineName     string `json:"MachineName"`
	BrandName       string `json:"BrandName"`
	MainboardID     string `json:"MainboardID"`
	FirmwareVersion string `json:"FirmwareVersion"`
}

// Status is the periodic machine status.
type Status struct {
	CurrentStatus    Code             `json:"CurrentStatus"`
	PrintInfo        PrintInfo        `json:"PrintInfo"`
	FileTransferInfo FileTransferInfo `json:"FileTransferInfo"`
}

// PrintInfo reports print job progress.
type PrintInfo struct {
	Status       Code   `json:"Status"`
	CurrentLayer int    `json:"CurrentLayer"`
	TotalLayer   int    `json:"TotalLayer"`
	Filename     string `json:"Filename"`
}

// FileTransferInfo reports the printer-side download of an upload.
type FileTransferInfo struct {
	Status         Code    `json:"Status"`
	DownloadOffset float64 `json:"DownloadOffset"`
	FileTotalSize  float64 `json:"FileTotalSize"`
	Filename       string  `json:"Filename"`
}

// ParseMessage decodes an inbound publish body.
func ParseMessage(payload []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DiscoveryReply is the JSON datagram a printer sends in reply to DiscoverTrigger.
// Attribute fields appear either under Data.Attributes or directly under Data.
type DiscoveryReply struct {
	ID   string `json:"Id"`
	Data struct {
		Attributes
		Attrs *Attributes `json:"Attributes"`
	} `json:"Data"`
}

// attributes returns the effective attribute set of the reply.
func (r *DiscoveryReply) attributes() Attributes {
	if r.Data.Attrs != nil {
		a := *r.Data.Attrs
		if a.MainboardID == "" {
			a.MainboardID = r.Data.MainboardID
		}
		return a
	}
	return r.Data.Attributes
}
