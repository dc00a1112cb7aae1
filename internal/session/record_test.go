package session

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecordStartsPending(t *testing.T) {
	r := New(NewPreviewCache(time.Minute))
	assert.True(t, strings.HasPrefix(r.ID, "KYC-"))
	for _, slot := range Slots {
		assert.Equal(t, StatusPending, r.Status(slot))
	}
	assert.NotEqual(t, r.ID, New(nil).ID)
}

func TestAttachMarksDoneAndReleasesPrevious(t *testing.T) {
	previews := NewPreviewCache(time.Minute)
	r := New(previews)

	first := &Artifact{Payload: []byte("a"), Preview: previews.Put([]byte("a"))}
	second := &Artifact{Payload: []byte("b"), Preview: previews.Put([]byte("b"))}

	r.MarkProcessing(SlotSelfie)
	assert.Equal(t, StatusProcessing, r.Status(SlotSelfie))

	require.NoError(t, r.Attach(SlotSelfie, first))
	require.NoError(t, r.Attach(SlotSelfie, second))
	assert.Equal(t, StatusDone, r.Status(SlotSelfie))

	_, ok := previews.Get(first.Preview)
	assert.False(t, ok, "replaced preview must be released")
	_, ok = previews.Get(second.Preview)
	assert.True(t, ok)

	r.MarkPending(SlotSelfie)
	assert.Equal(t, StatusDone, r.Status(SlotSelfie), "done slots stay done")
}

func TestAttachRejectsScanSlot(t *testing.T) {
	r := New(nil)
	assert.Error(t, r.Attach(SlotScan, &Artifact{}))
}

func TestCompletionFlags(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Attach(SlotSelfie, &Artifact{}))
	require.NoError(t, r.Attach(SlotDocumentFront, &Artifact{}))
	require.NoError(t, r.SetScan(json.RawMessage(`{"document_number":"X1"}`)))

	c := r.Completion()
	assert.Equal(t, r.ID, c.VerificationID)
	assert.True(t, c.SelfieProcessed)
	assert.True(t, c.DocumentFrontProcessed)
	assert.False(t, c.DocumentBackProcessed)
	assert.True(t, c.ScanProcessed)
	assert.Equal(t, StatusDone, r.Status(SlotScan))
}

func TestReleaseFreesPreviewsAndFreezesRecord(t *testing.T) {
	previews := NewPreviewCache(time.Minute)
	r := New(previews)
	for _, slot := range []Slot{SlotSelfie, SlotDocumentFront, SlotDocumentBack} {
		require.NoError(t, r.Attach(slot, &Artifact{Preview: previews.Put([]byte(slot))}))
	}
	r.SetResponse("selfie", map[string]string{"live": "REAL"})
	require.Equal(t, 3, previews.Len())

	r.Release()
	assert.True(t, r.Released())
	assert.Equal(t, 0, previews.Len())
	assert.Empty(t, r.Responses())
	_, ok := r.Artifact(SlotSelfie)
	assert.False(t, ok)

	assert.Error(t, r.Attach(SlotSelfie, &Artifact{}))
	assert.Error(t, r.SetScan(json.RawMessage(`{}`)))
	r.Release()
}

func TestPreviewCacheCopiesData(t *testing.T) {
	previews := NewPreviewCache(time.Minute)
	data := []byte("frame")
	handle := previews.Put(data)
	data[0] = 'X'

	got, ok := previews.Get(handle)
	require.True(t, ok)
	assert.Equal(t, "frame", string(got))

	previews.Release(handle)
	_, ok = previews.Get(handle)
	assert.False(t, ok)
}
