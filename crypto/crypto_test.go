package crypto

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoOp_TryDecryptRoomEvent_YieldsUTD(t *testing.T) {
	var e Engine = NoOp{}
	result, err := e.TryDecryptRoomEvent(context.Background(), []byte(`{}`), "!room:example.org", DecryptionSettings{})
	require.NoError(t, err)
	require.NotNil(t, result.UTD)
	assert.Nil(t, result.Decrypted)
}

func TestNoOp_ReceiveSyncChanges_IsNoop(t *testing.T) {
	var e Engine = NoOp{}
	toDevice, roomKeyUpdates, err := e.ReceiveSyncChanges(context.Background(), EncryptionSyncChanges{NextBatch: "s1"})
	require.NoError(t, err)
	assert.Nil(t, toDevice)
	assert.Nil(t, roomKeyUpdates)
}

func TestNoOp_ShareRoomKey_Panics(t *testing.T) {
	var e Engine = NoOp{}
	assert.Panics(t, func() {
		_, _ = e.ShareRoomKey(context.Background(), "!room:example.org", nil, EncryptionSettings{})
	})
}

func TestNewToDeviceTxnID_IsNonEmptyAndUnique(t *testing.T) {
	a := NewToDeviceTxnID()
	b := NewToDeviceTxnID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
