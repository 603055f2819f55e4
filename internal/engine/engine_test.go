package engine

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mzyy94/saturnlink/internal/broker"
	"github.com/mzyy94/saturnlink/internal/sdcp"
)

// fakeLink records frames written to the printer side of a connection.
type fakeLink struct {
	mu     sync.Mutex
	frames []broker.Frame
	closed bool
}

func (l *fakeLink) Read(p []byte) (int, error) { return 0, io.EOF }

func (l *fakeLink) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f, _, err := broker.Decode(append([]byte(nil), p...)); err == nil {
		l.frames = append(l.frames, f)
	}
	return len(p), nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// sentCommand is an outbound publish decoded back into its envelope.
type sentCommand struct {
	Topic    string
	PacketID uint16
	Request  struct {
		Data struct {
			Cmd         int
			Data        json.RawMessage
			MainboardID string
			RequestID   string
			TimeStamp   int64
		}
		Id string
	}
}

func (l *fakeLink) commands(t *testing.T) []sentCommand {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []sentCommand
	for _, f := range l.frames {
		if f.Type != broker.Publish {
			continue
		}
		msg, err := broker.ParsePublish(f)
		require.NoError(t, err)
		var sc sentCommand
		sc.Topic, sc.PacketID = msg.Topic, msg.PacketID
		require.NoError(t, json.Unmarshal(msg.Payload, &sc.Request))
		out = append(out, sc)
	}
	return out
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(Options{})
	t.Cleanup(func() { e.Close() })
	return e
}

// sync waits until everything posted so far has run on the loop.
func (e *Engine) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, e.call(func() {}))
}

func attach(t *testing.T, e *Engine) (*broker.Conn, *fakeLink) {
	t.Helper()
	link := &fakeLink{}
	c := broker.NewConn(link, "printer", e)
	e.OnConnect(c)
	e.sync(t)
	return c, link
}

func drain(sub *Subscription) []Event {
	var evs []Event
	for {
		select {
		case ev := <-sub.C:
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

func ofKind[T Event](evs []Event) []T {
	var out []T
	for _, ev := range evs {
		if v, ok := ev.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func statusJSON(t *testing.T, st map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{"Id": "", "Data": map[string]any{"Status": st}})
	require.NoError(t, err)
	return b
}

func publishStatus(t *testing.T, e *Engine, c *broker.Conn, st map[string]any) {
	t.Helper()
	c.Feed(broker.EncodePublish(sdcp.TopicStatus+"MB01", 0, 0, statusJSON(t, st)))
	e.sync(t)
}

func TestSubscribeRunsHandshake(t *testing.T) {
	e := newTestEngine(t)
	sub := e.Subscribe()
	c, link := attach(t, e)

	c.Feed(broker.Encode(broker.Subscribe, 2, []byte{0, 1, '#', 0}, 7))
	e.sync(t)

	evs := drain(sub)
	assert.Len(t, ofKind[ConnectionReady](evs), 1)

	link.mu.Lock()
	require.NotEmpty(t, link.frames)
	first := link.frames[0]
	link.mu.Unlock()
	assert.Equal(t, broker.Suback, first.Type)
	assert.Equal(t, []byte{0, 7, 0}, first.Body)

	cmds := link.commands(t)
	require.Len(t, cmds, 3)
	assert.Equal(t, sdcp.CmdGetAttributes, cmds[0].Request.Data.Cmd)
	assert.Equal(t, sdcp.CmdGetStatus, cmds[1].Request.Data.Cmd)
	assert.Equal(t, sdcp.CmdSetStatusPeriod, cmds[2].Request.Data.Cmd)
	assert.JSONEq(t, `{"TimePeriod":5000}`, string(cmds[2].Request.Data.Data))
	assert.JSONEq(t, `null`, string(cmds[0].Request.Data.Data))
	for i, cmd := range cmds {
		assert.Equal(t, uint16(i+1), cmd.PacketID)
		assert.Equal(t, sdcp.TopicRequest, cmd.Topic)
		assert.Len(t, cmd.Request.Data.RequestID, 32)
		assert.NotZero(t, cmd.Request.Data.TimeStamp)
	}
}

func TestSendCommandDisconnected(t *testing.T) {
	e := newTestEngine(t)
	sub := e.Subscribe()

	err := e.SendCommand(sdcp.CmdGetStatus, nil)
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.ErrorIs(t, e.PrintExisting("a.goo"), ErrDisconnected)
	assert.ErrorIs(t, e.Handshake(), ErrDisconnected)
	assert.NotEmpty(t, ofKind[LogMessage](drain(sub)))
}

func TestPacketIDWrapsAndSkipsZero(t *testing.T) {
	e := newTestEngine(t)
	var ids []uint16
	require.NoError(t, e.call(func() {
		e.s.packetID = 0xFFFE
		for range 3 {
			ids = append(ids, e.nextPacketID())
		}
	}))
	assert.Equal(t, []uint16{0xFFFF, 1, 2}, ids)
}

func TestStatusPrinting(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{sdcp.PrintExposure, TextExposing},
		{sdcp.PrintRetracting, TextRetracting},
		{sdcp.PrintLowering, TextLowering},
		{sdcp.PrintComplete, TextComplete},
		{7, "printing (code 7)"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			e := newTestEngine(t)
			c, _ := attach(t, e)
			sub := e.Subscribe()

			publishStatus(t, e, c, map[string]any{
				"CurrentStatus": 1,
				"PrintInfo":     map[string]any{"Status": tt.code, "CurrentLayer": 12, "TotalLayer": 300, "Filename": "part.goo"},
			})

			ups := ofKind[StatusUpdate](drain(sub))
			require.Len(t, ups, 1)
			assert.Equal(t, StatusUpdate{Text: tt.want, Layer: 12, TotalLayers: 300, Filename: "part.goo"}, ups[0])
		})
	}
}

func TestStatusDownloading(t *testing.T) {
	e := newTestEngine(t)
	c, _ := attach(t, e)
	sub := e.Subscribe()

	publishStatus(t, e, c, map[string]any{
		"CurrentStatus":    1,
		"PrintInfo":        map[string]any{"Status": 0},
		"FileTransferInfo": map[string]any{"Status": 1, "DownloadOffset": 50, "FileTotalSize": 200, "Filename": "a.goo"},
	})

	evs := drain(sub)
	assert.Equal(t, []UploadProgress{{Percent: 25}}, ofKind[UploadProgress](evs))
	ups := ofKind[StatusUpdate](evs)
	require.Len(t, ups, 1)
	assert.True(t, strings.HasPrefix(ups[0].Text, "receiving"))
	assert.Equal(t, "receiving 25%", ups[0].Text)

	publishStatus(t, e, c, map[string]any{
		"CurrentStatus":    1,
		"FileTransferInfo": map[string]any{"Status": 1, "DownloadOffset": 200, "FileTotalSize": 200},
	})
	ups = ofKind[StatusUpdate](drain(sub))
	require.Len(t, ups, 1)
	assert.Equal(t, TextProcessing, ups[0].Text)
}

func TestStatusCurrentStatusArray(t *testing.T) {
	e := newTestEngine(t)
	c, _ := attach(t, e)
	sub := e.Subscribe()

	publishStatus(t, e, c, map[string]any{"CurrentStatus": []int{0}})
	ups := ofKind[StatusUpdate](drain(sub))
	require.Len(t, ups, 1)
	assert.Equal(t, TextReady, ups[0].Text)
}

func TestStatusWithNumericID(t *testing.T) {
	e := newTestEngine(t)
	c, _ := attach(t, e)
	sub := e.Subscribe()

	c.Feed(broker.EncodePublish(sdcp.TopicStatus+"MB01", 0, 0,
		[]byte(`{"Id":12345,"Data":{"Status":{"CurrentStatus":0}}}`)))
	e.sync(t)

	ups := ofKind[StatusUpdate](drain(sub))
	require.Len(t, ups, 1)
	assert.Equal(t, TextReady, ups[0].Text)
}

func TestMainboardIDCapturedOnce(t *testing.T) {
	e := newTestEngine(t)
	c, link := attach(t, e)

	publishStatus(t, e, c, map[string]any{"CurrentStatus": 0})
	c.Feed(broker.EncodePublish(sdcp.TopicStatus+"OTHER", 0, 0, statusJSON(t, map[string]any{})))
	e.sync(t)
	require.NoError(t, e.SendCommand(sdcp.CmdGetStatus, nil))

	cmds := link.commands(t)
	require.Len(t, cmds, 1)
	assert.Equal(t, sdcp.TopicRequest+"MB01", cmds[0].Topic)
	assert.Equal(t, "MB01", cmds[0].Request.Data.MainboardID)
	assert.Equal(t, "MB01", cmds[0].Request.Id)
}

func TestIdentityAdoption(t *testing.T) {
	e := newTestEngine(t)
	c, link := attach(t, e)
	sub := e.Subscribe()
	publishStatus(t, e, c, map[string]any{"CurrentStatus": 0})

	identity := "f25273b12b094c5a8b9513a30ca60049"
	for range 2 {
		body := []byte(`{"Id":"` + identity + `","Data":{}}`)
		c.Feed(broker.EncodePublish(sdcp.TopicAttributes+"MB01", 1, 9, body))
	}
	e.sync(t)
	assert.Len(t, ofKind[LogMessage](drain(sub)), 1)

	require.NoError(t, e.SendCommand(sdcp.CmdGetStatus, nil))
	cmds := link.commands(t)
	require.Len(t, cmds, 1)
	assert.Equal(t, identity, cmds[0].Request.Id)

	st, err := e.State()
	require.NoError(t, err)
	assert.Equal(t, identity, st.Identity)
}

func TestModelDetected(t *testing.T) {
	e := newTestEngine(t)
	c, _ := attach(t, e)
	sub := e.Subscribe()

	c.Feed(broker.EncodePublish(sdcp.TopicAttributes+"MB01", 0, 0,
		[]byte(`{"Data":{"Attributes":{"MachineName":"Saturn 3 Ultra"}}}`)))
	c.Feed(broker.EncodePublish(sdcp.TopicAttributes+"MB01", 0, 0,
		[]byte(`{"Data":{"Attributes":{"MachineName":""}}}`)))
	e.sync(t)

	assert.Equal(t, []ModelDetected{{Model: "Saturn 3 Ultra"}}, ofKind[ModelDetected](drain(sub)))
}

func setTransfer(t *testing.T, e *Engine, filename string, autoPrint bool) {
	t.Helper()
	require.NoError(t, e.call(func() {
		e.s.transfer = &transfer{Filename: filename, AutoPrint: autoPrint}
		e.s.transfer.Token = "tok.goo"
	}))
}

func TestAutoPrintFiresOnce(t *testing.T) {
	e := newTestEngine(t)
	c, link := attach(t, e)
	setTransfer(t, e, "a.goo", true)

	st := map[string]any{
		"CurrentStatus":    0,
		"FileTransferInfo": map[string]any{"Status": 2, "Filename": "a.goo"},
	}
	publishStatus(t, e, c, st)
	publishStatus(t, e, c, st)

	var prints []sentCommand
	for _, cmd := range link.commands(t) {
		if cmd.Request.Data.Cmd == sdcp.CmdStartPrint {
			prints = append(prints, cmd)
		}
	}
	require.Len(t, prints, 1)
	assert.JSONEq(t, `{"Filename":"a.goo","StartLayer":0}`, string(prints[0].Request.Data.Data))
}

func TestFileReadyToPrintEdgeTriggered(t *testing.T) {
	e := newTestEngine(t)
	c, _ := attach(t, e)
	sub := e.Subscribe()

	done := map[string]any{
		"CurrentStatus":    0,
		"FileTransferInfo": map[string]any{"Status": 2, "Filename": "a.goo"},
	}
	publishStatus(t, e, c, done)
	publishStatus(t, e, c, done)
	assert.Equal(t, []FileReadyToPrint{{Filename: "a.goo"}}, ofKind[FileReadyToPrint](drain(sub)))

	publishStatus(t, e, c, map[string]any{"CurrentStatus": 0, "FileTransferInfo": map[string]any{"Status": 0}})
	publishStatus(t, e, c, done)
	assert.Len(t, ofKind[FileReadyToPrint](drain(sub)), 1)
}

func TestTransferErrorClearsAutoPrint(t *testing.T) {
	e := newTestEngine(t)
	c, link := attach(t, e)
	setTransfer(t, e, "a.goo", true)
	sub := e.Subscribe()

	publishStatus(t, e, c, map[string]any{"CurrentStatus": 0, "FileTransferInfo": map[string]any{"Status": 3}})
	var texts []string
	for _, u := range ofKind[StatusUpdate](drain(sub)) {
		texts = append(texts, u.Text)
	}
	assert.Equal(t, []string{TextReady, TextTransferError}, texts)

	publishStatus(t, e, c, map[string]any{"CurrentStatus": 0, "FileTransferInfo": map[string]any{"Status": 2, "Filename": "a.goo"}})
	assert.Empty(t, link.commands(t))
}

func TestUploadAndPrint(t *testing.T) {
	e := newTestEngine(t)
	_, link := attach(t, e)

	data := []byte(strings.Repeat("layer", 1000))
	path := filepath.Join(t.TempDir(), "model.goo")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	sum := md5.Sum(data)

	require.NoError(t, e.UploadAndPrint(context.Background(), path, true))

	cmds := link.commands(t)
	require.Len(t, cmds, 1)
	require.Equal(t, sdcp.CmdUploadFile, cmds[0].Request.Data.Cmd)
	var up sdcp.UploadFileData
	require.NoError(t, json.Unmarshal(cmds[0].Request.Data.Data, &up))
	assert.Equal(t, hex.EncodeToString(sum[:]), up.MD5)
	assert.Equal(t, int64(len(data)), up.FileSize)
	assert.Equal(t, "model.goo", up.Filename)
	assert.Equal(t, 1, up.CleanCache)
	require.True(t, strings.HasPrefix(up.URL, "http://${ipaddr}:"), up.URL)

	token := up.URL[strings.LastIndex(up.URL, "/")+1:]
	assert.Len(t, token, 32+len(sdcp.UploadExtension))
	tr, ok := e.ResolveToken(token)
	require.True(t, ok)
	assert.Equal(t, path, tr.Path)
	assert.Equal(t, int64(len(data)), tr.Size)

	require.NoError(t, e.UploadAndPrint(context.Background(), path, false))
	_, ok = e.ResolveToken(token)
	assert.False(t, ok)
	_, ok = e.ResolveToken("")
	assert.False(t, ok)
}

func TestUploadAndPrintErrors(t *testing.T) {
	e := newTestEngine(t)

	err := e.UploadAndPrint(context.Background(), filepath.Join(t.TempDir(), "missing.goo"), false)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDisconnected)

	path := filepath.Join(t.TempDir(), "x.goo")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	assert.ErrorIs(t, e.UploadAndPrint(context.Background(), path, false), ErrDisconnected)

	st, err := e.State()
	require.NoError(t, err)
	assert.Empty(t, st.Upload)
}

func TestNewConnectionReplacesPrevious(t *testing.T) {
	e := newTestEngine(t)
	first, firstLink := attach(t, e)
	_, secondLink := attach(t, e)

	assert.True(t, firstLink.isClosed())
	assert.False(t, secondLink.isClosed())

	// Late callbacks from the replaced connection are ignored.
	e.OnClose(first)
	e.sync(t)
	st, err := e.State()
	require.NoError(t, err)
	assert.True(t, st.Connected)
}

func TestOnCloseDisconnects(t *testing.T) {
	e := newTestEngine(t)
	c, _ := attach(t, e)
	e.OnClose(c)
	e.sync(t)
	assert.ErrorIs(t, e.SendCommand(sdcp.CmdGetStatus, nil), ErrDisconnected)
}

func TestStateKeepsLastStatus(t *testing.T) {
	e := newTestEngine(t)
	c, _ := attach(t, e)
	publishStatus(t, e, c, map[string]any{
		"CurrentStatus": 1,
		"PrintInfo":     map[string]any{"Status": 2, "CurrentLayer": 4, "TotalLayer": 8},
	})

	st, err := e.State()
	require.NoError(t, err)
	require.NotNil(t, st.Status)
	assert.Equal(t, 1, st.Status.CurrentStatus)
	assert.Equal(t, 4, st.Status.CurrentLayer)
	assert.Equal(t, "MB01", st.MainboardID)
}

func TestClose(t *testing.T) {
	e := New(Options{})
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.SendCommand(sdcp.CmdGetStatus, nil), ErrClosed)
	_, err := e.State()
	assert.ErrorIs(t, err, ErrClosed)
}

type memStore struct {
	mu      sync.Mutex
	devices map[string]sdcp.Device
}

func (m *memStore) SaveDevice(d sdcp.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.devices == nil {
		m.devices = make(map[string]sdcp.Device)
	}
	m.devices[d.Address] = d
	return nil
}

func (m *memStore) LookupIdentity(address string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[address]
	return d.Identity, ok && d.Identity != ""
}

func TestLookupIdentityFallsBackToStore(t *testing.T) {
	store := &memStore{}
	require.NoError(t, store.SaveDevice(sdcp.Device{Address: "10.0.0.5", Identity: "stored-identity-0123456789"}))
	e := New(Options{Store: store})
	t.Cleanup(func() { e.Close() })

	assert.Equal(t, "stored-identity-0123456789", e.lookupIdentity("10.0.0.5"))
	assert.Empty(t, e.lookupIdentity("10.0.0.6"))
}
