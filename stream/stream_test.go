package stream_test

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightrpc/client/frame"
	"github.com/flightrpc/client/rpcerr"
	"github.com/flightrpc/client/stream"
)

// fakeSender records every frame handed to WriteFrame, in call order.
type fakeSender struct {
	mu   sync.Mutex
	sent []frame.Header
}

func (f *fakeSender) WriteFrame(buf []byte) error {
	h, err := frame.ParseHeader(buf)
	if err != nil {
		return err
	}
	payload := make([]byte, len(h.Payload))
	copy(payload, h.Payload)
	h.Payload = payload

	f.mu.Lock()
	f.sent = append(f.sent, h)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) frames() []frame.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]frame.Header, len(f.sent))
	copy(out, f.sent)
	return out
}

func testKey() stream.Key {
	var sid frame.SID
	copy(sid[:], []byte("stream-test-key!"))
	return stream.Key{SID: sid, RID: 1}
}

func TestFragmentationLaw(t *testing.T) {
	sender := &fakeSender{}
	s := stream.New(testKey(), sender, 5, 0, nil)

	payload := []byte("the quick brown fox") // 19 bytes
	require.NoError(t, s.Write(payload))

	frames := sender.frames()
	wantFragments := int(math.Ceil(float64(len(payload)) / 5))
	require.Len(t, frames, wantFragments+1) // + trailing DNE

	var rebuilt []byte
	for i := 0; i < wantFragments; i++ {
		assert.Equal(t, frame.PSH, frames[i].Flag)
		assert.Equal(t, uint16(i), frames[i].SeqID)
		assert.LessOrEqual(t, len(frames[i].Payload), 5)
		rebuilt = append(rebuilt, frames[i].Payload...)
	}
	assert.Equal(t, payload, rebuilt)

	last := frames[len(frames)-1]
	assert.Equal(t, frame.DNE, last.Flag)
	assert.Empty(t, last.Payload)
}

func TestReorderingTolerance(t *testing.T) {
	sender := &fakeSender{}
	key := testKey()
	writer := stream.New(key, sender, 5, 0, nil)
	require.NoError(t, writer.Write([]byte("the quick brown fox")))
	sent := sender.frames()

	reader := stream.New(key, &fakeSender{}, 5, 0, nil)
	// push the PSH frames in reverse order, then the DNE.
	var pshFrames []frame.Header
	var dne *frame.Header
	for i := range sent {
		h := sent[i]
		if h.Flag == frame.DNE {
			dne = &h
			continue
		}
		pshFrames = append(pshFrames, h)
	}
	for i := len(pshFrames) - 1; i >= 0; i-- {
		h := pshFrames[i]
		reader.PushBuffer(frame.Build(frame.PSH, key.SID, key.RID, h.SeqID, h.Payload))
	}
	require.NotNil(t, dne)
	reader.NotifyDone()

	got, err := reader.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("the quick brown fox"), got)
}

func TestDeadlineProperty(t *testing.T) {
	sender := &fakeSender{}
	deadline := 20 * time.Millisecond
	s := stream.New(testKey(), sender, 1475, deadline, nil)

	start := time.Now()
	_, err := s.Read()
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, rpcerr.ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, deadline)
	assert.Less(t, elapsed, deadline+200*time.Millisecond)
}

func TestCloseUnblocksPendingReader(t *testing.T) {
	sender := &fakeSender{}
	s := stream.New(testKey(), sender, 1475, 0, nil)

	done := make(chan struct{})
	var got []byte
	var readErr error
	go func() {
		got, readErr = s.Read()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond) // let Read block
	require.NoError(t, s.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock after Close")
	}
	require.NoError(t, readErr)
	assert.Empty(t, got)

	frames := sender.frames()
	require.NotEmpty(t, frames)
	assert.Equal(t, frame.FIN, frames[len(frames)-1].Flag)
}

func TestCloseIsIdempotent(t *testing.T) {
	s := stream.New(testKey(), &fakeSender{}, 1475, 0, nil)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestReadReturnsAccumulatedOnFIN(t *testing.T) {
	sender := &fakeSender{}
	key := testKey()
	s := stream.New(key, sender, 5, 0, nil)

	s.PushBuffer(frame.Build(frame.PSH, key.SID, key.RID, 0, []byte("abc")))
	s.NotifyClose()

	got, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}
