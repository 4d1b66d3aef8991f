package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/codefionn/pluginhost/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rawElement struct {
	raw []byte
}

func (e *rawElement) MarshalJSON() ([]byte, error) {
	if e.raw == nil {
		return nil, errors.New("empty element")
	}
	return e.raw, nil
}

func (e *rawElement) UnmarshalJSON(data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid json %q", data)
	}
	e.raw = append([]byte(nil), data...)
	return nil
}

type fakeTransport struct {
	mu        sync.Mutex
	triggers  int
	pings     int
	websocket bool
	completed bool
	binary    []bool
	activity  bool
}

func (f *fakeTransport) Trigger() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers++
}

func (f *fakeTransport) Ping() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
}

func (f *fakeTransport) IsWebSocket() bool     { return f.websocket }
func (f *fakeTransport) IsCompleted() bool     { return f.completed }
func (f *fakeTransport) SetBinary(binary bool) { f.binary = append(f.binary, binary) }

func (f *fakeTransport) HasActivity() bool {
	active := f.activity
	f.activity = false
	return active
}

type fakeProtocol struct {
	t           *testing.T
	outstanding bool
	nilElements bool
	received    []string
	texts       []string
	changes     int
}

func (p *fakeProtocol) Element(_ *Channel, _ string) Element {
	if p.nilElements {
		return nil
	}
	assert.False(p.t, p.outstanding, "element requested while another is in flight")
	p.outstanding = true
	return &rawElement{}
}

func (p *fakeProtocol) Received(_ *Channel, element Element) {
	p.outstanding = false
	raw := element.(*rawElement).raw
	p.received = append(p.received, string(raw))
}

func (p *fakeProtocol) ReceivedText(_ *Channel, text string) {
	p.texts = append(p.texts, text)
}

func (p *fakeProtocol) StateChange(*Channel) {
	p.changes++
}

func newTestChannel(t *testing.T, state State) (*Channel, *fakeTransport, *fakeProtocol) {
	t.Helper()
	tr := &fakeTransport{websocket: true}
	pr := &fakeProtocol{t: t}
	ch := New(7, "Controller", tr, pr)
	ch.SetState(state, false)
	return ch, tr, pr
}

// drain serializes with a buffer of size n and splits the output on message
// boundaries.
func drain(t *testing.T, ch *Channel, n int) []string {
	t.Helper()
	var out []string
	var current []byte
	buf := make([]byte, n)
	for i := 0; i < 10000; i++ {
		written := ch.Serialize(buf)
		if written == 0 {
			require.Empty(t, current, "partial payload left behind")
			return out
		}
		current = append(current, buf[:written]...)
		if ch.MessageDone() {
			out = append(out, string(current))
			current = nil
		}
	}
	t.Fatal("serializer did not terminate")
	return nil
}

func TestSubmitPreservesOrderWithSmallBuffers(t *testing.T) {
	for _, size := range []int{1, 3, 7, 64} {
		t.Run(fmt.Sprintf("buffer-%d", size), func(t *testing.T) {
			ch, _, _ := newTestChannel(t, JSONRPC)

			payloads := []string{`{"id":1}`, `{"id":2,"result":"ok"}`, `[1,2,3]`}
			for _, p := range payloads {
				require.NoError(t, ch.Submit(ElementPackage(&rawElement{raw: []byte(p)})))
			}

			assert.Equal(t, payloads, drain(t, ch, size))
			assert.Equal(t, 0, ch.QueueLength())
			assert.True(t, ch.IsIdle())
		})
	}
}

func TestSubmitTriggersOnlyOnEmptyEdge(t *testing.T) {
	ch, tr, _ := newTestChannel(t, JSON)

	for i := 0; i < 3; i++ {
		require.NoError(t, ch.Submit(TextPackage(`"x"`)))
	}
	assert.Equal(t, 1, tr.triggers)

	drain(t, ch, 16)
	require.NoError(t, ch.Submit(TextPackage(`"y"`)))
	assert.Equal(t, 2, tr.triggers)
}

func TestSerializerIdleHasZeroOffset(t *testing.T) {
	ch, _, _ := newTestChannel(t, JSON)
	require.NoError(t, ch.Submit(ElementPackage(&rawElement{raw: []byte(`{"a":"bcdef"}`)})))

	buf := make([]byte, 4)
	for ch.Serialize(buf) > 0 {
		if ch.serializer.IsIdle() {
			assert.Zero(t, ch.serializer.Offset())
		} else {
			assert.NotZero(t, ch.serializer.Offset())
			assert.False(t, ch.IsIdle())
		}
	}
	assert.True(t, ch.IsIdle())
}

func TestUnrenderableElementIsDropped(t *testing.T) {
	ch, _, _ := newTestChannel(t, JSON)
	require.NoError(t, ch.Submit(ElementPackage(&rawElement{})))
	require.NoError(t, ch.Submit(ElementPackage(&rawElement{raw: []byte(`true`)})))

	assert.Equal(t, []string{"true"}, drain(t, ch, 8))
}

func TestQueueReleasesElementReferences(t *testing.T) {
	ch, _, _ := newTestChannel(t, JSON)

	released := 0
	ref := core.NewRef[Element](&rawElement{raw: []byte(`{}`)}, func(Element) { released++ })
	ref.AddRef()
	require.NoError(t, ch.Submit(JSONPackage(ref)))

	drain(t, ch, 1)
	assert.Equal(t, 0, released)
	assert.True(t, ref.Release())
	assert.Equal(t, 1, released)
}

func TestDeserializeConcatenatedFrames(t *testing.T) {
	ch, _, pr := newTestChannel(t, JSONRPC)

	input := []byte(`{"id":1,"method":"a"} {"id":2,"method":"b"}`)
	n := ch.Deserialize(input)

	assert.Equal(t, len(input), n)
	assert.Equal(t, []string{`{"id":1,"method":"a"}`, `{"id":2,"method":"b"}`}, pr.received)
	assert.True(t, ch.IsIdle())
}

func TestDeserializeSplitFrame(t *testing.T) {
	ch, _, pr := newTestChannel(t, JSON)

	ch.Deserialize([]byte(`{"method":"x","params":{"s":"}`))
	assert.Empty(t, pr.received)
	assert.False(t, ch.IsIdle())

	ch.Deserialize([]byte(`\"}"}}`))
	require.Len(t, pr.received, 1)
	assert.Equal(t, `{"method":"x","params":{"s":"}\"}"}}`, pr.received[0])
	assert.True(t, ch.IsIdle())
}

func TestDeserializeScalarNeedsMessageBoundary(t *testing.T) {
	ch, tr, pr := newTestChannel(t, JSON)

	ch.Deserialize([]byte(`42`))
	assert.Empty(t, pr.received)

	tr.completed = true
	ch.Deserialize([]byte(`0`))
	assert.Equal(t, []string{"420"}, pr.received)
}

func TestDeserializeMalformedFrameStillDelivered(t *testing.T) {
	ch, _, pr := newTestChannel(t, JSON)

	ch.Deserialize([]byte(`{"a":}`))
	require.Len(t, pr.received, 1)
	assert.Empty(t, pr.received[0])
	assert.True(t, ch.IsIdle())
}

func TestDeserializeTruncatedFrameEndsAtMessageBoundary(t *testing.T) {
	ch, tr, pr := newTestChannel(t, JSONRPC)

	ch.Deserialize([]byte(`{"id":1,"method":"a","params":{`))
	tr.completed = true
	ch.Deserialize(nil)
	require.Len(t, pr.received, 1)
	assert.Empty(t, pr.received[0])
	assert.True(t, ch.IsIdle())
	assert.Zero(t, ch.deserializer.Offset())

	for i := 0; i < 100; i++ {
		tr.completed = false
		frame := fmt.Sprintf(`{"id":%d,"method":"b"}`, i+2)
		ch.Deserialize([]byte(frame))
		tr.completed = true
		ch.Deserialize(nil)
		require.Len(t, pr.received, i+2)
		assert.Equal(t, frame, pr.received[i+1])
	}
	assert.True(t, ch.IsIdle())
}

func TestDeserializeTruncatedStringEndsAtMessageBoundary(t *testing.T) {
	ch, tr, pr := newTestChannel(t, JSON)
	tr.completed = true

	ch.Deserialize([]byte(`"open`))
	require.Len(t, pr.received, 1)
	assert.Empty(t, pr.received[0])

	ch.Deserialize([]byte(`{"ok":true}`))
	assert.Equal(t, `{"ok":true}`, pr.received[1])
}

func TestDeserializeWithoutReceiveTargetDiscards(t *testing.T) {
	ch, _, pr := newTestChannel(t, JSON)
	pr.nilElements = true

	input := []byte(`{"id":1}`)
	assert.Equal(t, len(input), ch.Deserialize(input))
	assert.Empty(t, pr.received)
	assert.True(t, ch.IsIdle())
}

func TestTextModeSerializeKeepsOffset(t *testing.T) {
	ch, _, _ := newTestChannel(t, Text)
	require.NoError(t, ch.Submit(TextPackage("hello world")))
	require.NoError(t, ch.Submit(TextPackage("")))
	require.NoError(t, ch.Submit(TextPackage("bye")))

	buf := make([]byte, 4)
	var chunks []string
	for {
		n := ch.Serialize(buf)
		if n == 0 {
			break
		}
		chunks = append(chunks, string(buf[:n]))
	}

	assert.Equal(t, []string{"hell", "o wo", "rld", "bye"}, chunks)
	assert.Equal(t, 0, ch.QueueLength())
}

func TestTextModeRendersElements(t *testing.T) {
	ch, _, _ := newTestChannel(t, Text)
	require.NoError(t, ch.Submit(ElementPackage(&rawElement{raw: []byte(`{"k":1}`)})))

	assert.Equal(t, []string{`{"k":1}`}, drain(t, ch, 32))
}

func TestTextModeDeserializeWaitsForCompletion(t *testing.T) {
	ch, tr, pr := newTestChannel(t, Text)

	ch.Deserialize([]byte("hello "))
	assert.Empty(t, pr.texts)
	assert.False(t, ch.IsIdle())

	tr.completed = true
	ch.Deserialize([]byte("world"))
	assert.Equal(t, []string{"hello world"}, pr.texts)
	assert.True(t, ch.IsIdle())
}

func TestUnsupportedModesPanic(t *testing.T) {
	for _, state := range []State{Web, RAW} {
		ch, _, _ := newTestChannel(t, state)
		assert.Panics(t, func() { ch.Serialize(make([]byte, 8)) }, state.String())
		assert.Panics(t, func() { ch.Deserialize([]byte("x")) }, state.String())
	}
}

func TestClosedChannel(t *testing.T) {
	ch, _, pr := newTestChannel(t, JSONRPC)

	released := 0
	ref := core.NewRef[Element](&rawElement{raw: []byte(`{}`)}, func(Element) { released++ })
	require.NoError(t, ch.Submit(JSONPackage(ref)))

	ch.Closed()
	assert.Equal(t, Closed, ch.State().Mode())
	assert.Equal(t, 1, released)
	assert.Equal(t, 1, pr.changes)

	late := core.NewRef[Element](&rawElement{raw: []byte(`{}`)}, func(Element) { released++ })
	assert.ErrorIs(t, ch.Submit(JSONPackage(late)), ErrChannelClosed)
	assert.Equal(t, 2, released)

	assert.Zero(t, ch.Serialize(make([]byte, 8)))
	assert.Equal(t, 3, ch.Deserialize([]byte("abc")))

	ch.Closed()
	assert.Equal(t, 1, pr.changes)
}

func TestSetStateTogglesBinaryFraming(t *testing.T) {
	ch, tr, pr := newTestChannel(t, JSON)

	ch.SetState(RAW, true)
	ch.SetState(RAW, false)
	ch.SetState(Text, false)

	assert.Equal(t, []bool{true, false}, tr.binary)
	assert.Equal(t, 1, pr.changes)
	assert.True(t, ch.State().Has(Notified))
	assert.Equal(t, Text, ch.State().Mode())
}

func TestHasActivityForcesOnePing(t *testing.T) {
	ch, tr, _ := newTestChannel(t, JSONRPC)

	assert.True(t, ch.HasActivity())
	assert.Equal(t, 1, tr.pings)
	assert.True(t, ch.State().Has(Pinged))

	assert.False(t, ch.HasActivity())
	assert.Equal(t, 1, tr.pings)
	assert.False(t, ch.State().Has(Pinged))
}

func TestHasActivityPongCounts(t *testing.T) {
	ch, tr, _ := newTestChannel(t, JSONRPC)

	assert.True(t, ch.HasActivity())
	tr.activity = true
	assert.True(t, ch.HasActivity())
	assert.Equal(t, 1, tr.pings)
}

func TestHasActivityWithTraffic(t *testing.T) {
	ch, tr, _ := newTestChannel(t, JSONRPC)

	tr.activity = true
	assert.True(t, ch.HasActivity())
	assert.Zero(t, tr.pings)
}

func TestHasActivityPlainHTTP(t *testing.T) {
	ch, tr, _ := newTestChannel(t, Web)
	tr.websocket = false

	assert.False(t, ch.HasActivity())
	assert.Zero(t, tr.pings)
	assert.True(t, ch.IsIdle())
}

func TestPingedSurvivesStateChange(t *testing.T) {
	ch, _, _ := newTestChannel(t, JSON)
	ch.HasActivity()
	ch.SetState(JSONRPC, false)

	assert.Equal(t, "JSONRPC|PINGED", ch.State().String())
}
