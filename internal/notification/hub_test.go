package notification

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// 发送与连接注册并发进行，不允许出现并发读写连接表
func TestSendToUserConcurrentWithRegister(t *testing.T) {
	hub := NewWebSocketHub(WithKeepAliveInterval(0))

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Register("agency-1", "u1", conn)
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	const connCount = 20

	var mu sync.Mutex
	var conns []*websocket.Conn
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			_ = conn.Close()
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < connCount; i++ {
			conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()

	msg := &Message{
		AgencyID: "agency-1",
		UserIDs:  []string{"u1"},
		Kind:     KindApprovalRequested,
		Title:    "待审批",
	}
	for i := 0; i < 200; i++ {
		require.NoError(t, hub.Notify(context.Background(), msg))
	}
	<-done

	// 握手完成与服务端 Register 之间有间隙，轮询等待
	require.Eventually(t, func() bool {
		return hub.ConnectedCount("agency-1", "u1") == connCount
	}, time.Second, 10*time.Millisecond)
}
