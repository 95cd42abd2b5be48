package notification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	messages []*Message
	err      error
}

func (n *recordingNotifier) Notify(ctx context.Context, msg *Message) error {
	n.messages = append(n.messages, msg)
	return n.err
}

func TestMultiNotifierFansOutAndCollectsFirstError(t *testing.T) {
	ctx := context.Background()
	ok := &recordingNotifier{}
	failing := &recordingNotifier{err: errors.New("smtp down")}
	last := &recordingNotifier{}

	multi := NewMultiNotifier(ok, nil, failing, last)
	msg := &Message{AgencyID: "agency-1", UserIDs: []string{"u1"}, Kind: KindApprovalRequested}

	err := multi.Notify(ctx, msg)
	require.EqualError(t, err, "smtp down")

	// 单渠道失败不阻断其它渠道
	require.Len(t, ok.messages, 1)
	require.Len(t, failing.messages, 1)
	require.Len(t, last.messages, 1)
}

func TestMemoryOfflineStoreCapAndDrain(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryOfflineStore(2)

	require.NoError(t, store.Append(ctx, "agency-1", "u1", []byte("first")))
	require.NoError(t, store.Append(ctx, "agency-1", "u1", []byte("second")))
	require.NoError(t, store.Append(ctx, "agency-1", "u1", []byte("third")))

	// 超出上限时丢弃最旧的消息
	messages, err := store.Drain(ctx, "agency-1", "u1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, "third", string(messages[0]))
	require.Equal(t, "second", string(messages[1]))

	// Drain 之后为空
	messages, err = store.Drain(ctx, "agency-1", "u1")
	require.NoError(t, err)
	require.Empty(t, messages)

	// 用户之间互不影响
	require.NoError(t, store.Append(ctx, "agency-1", "u1", []byte("a")))
	messages, err = store.Drain(ctx, "agency-1", "u2")
	require.NoError(t, err)
	require.Empty(t, messages)
}

func TestHubStoresOfflineWhenDisconnected(t *testing.T) {
	store := NewMemoryOfflineStore(10)
	hub := NewWebSocketHub(WithOfflineStore(store), WithKeepAliveInterval(0))

	require.Zero(t, hub.ConnectedCount("agency-1", "u1"))

	msg := &Message{
		AgencyID:  "agency-1",
		UserIDs:   []string{"u1"},
		Kind:      KindApprovalRequested,
		Title:     "待审批",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, hub.Notify(context.Background(), msg))

	stored, err := store.Drain(context.Background(), "agency-1", "u1")
	require.NoError(t, err)
	require.Len(t, stored, 1)

	var decoded Message
	require.NoError(t, json.Unmarshal(stored[0], &decoded))
	require.Equal(t, KindApprovalRequested, decoded.Kind)
	require.Equal(t, "待审批", decoded.Title)
}
