package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"medsync/internal/domain"
	"medsync/internal/query"
	"medsync/internal/store"
	"medsync/internal/subscription"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 64 << 10
	errorFrameSlot = 4
)

// resultFrame 推送给客户端的订阅结果
type resultFrame struct {
	State     string          `json:"state"`
	IsLoading bool            `json:"isLoading"`
	Data      []domain.Record `json:"data"`
	Error     string          `json:"error,omitempty"`
	Code      store.Code      `json:"code,omitempty"`
}

func frameOf(r subscription.Result) resultFrame {
	f := resultFrame{State: r.State().String(), IsLoading: r.IsLoading, Data: r.Data}
	if f.Data == nil {
		f.Data = []domain.Record{}
	}
	if r.Err != nil {
		_, msg := statusOf(r.Err)
		f.Error = msg
		f.Code = store.CodeOf(r.Err)
	}
	return f
}

// SubscribeHandler GET /api/v1/subscribe（WebSocket）
// 客户端每发送一个描述符帧即切换订阅；null 帧回到空闲；断开即释放
type SubscribeHandler struct {
	manager  *subscription.Manager
	auth     *Authenticator
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewSubscribeHandler(manager *subscription.Manager, auth *Authenticator, logger *zap.Logger) *SubscribeHandler {
	return &SubscribeHandler{
		manager: manager,
		auth:    auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger,
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

func (h *SubscribeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id, ctx, ok := h.auth.authed(w, r)
	if !ok {
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	h.track(conn)
	defer h.untrack(conn)

	b := h.manager.BindContext(ctx)
	defer b.Close()

	logger := h.logger.With(zap.String("uid", id.ID), zap.String("remote", r.RemoteAddr))
	logger.Debug("Subscription connection opened")

	errs := make(chan resultFrame, errorFrameSlot)
	readDone := make(chan struct{})
	go h.readLoop(conn, b, errs, readDone, logger)
	h.writeLoop(conn, b, errs, readDone, logger)
	logger.Debug("Subscription connection closed")
}

func (h *SubscribeHandler) readLoop(conn *websocket.Conn, b *subscription.Binding, errs chan<- resultFrame, done chan<- struct{}, logger *zap.Logger) {
	defer close(done)
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("Subscription read failed", zap.Error(err))
			}
			return
		}
		d, err := parseDescriptor(msg)
		if err == nil {
			err = b.Set(d)
		}
		if err != nil {
			select {
			case errs <- resultFrame{State: subscription.StateFailed.String(), Data: []domain.Record{}, Error: err.Error(), Code: store.CodeInvalidArgument}:
			default:
			}
		}
	}
}

func parseDescriptor(msg []byte) (*query.Descriptor, error) {
	if bytes.Equal(bytes.TrimSpace(msg), []byte("null")) {
		return nil, nil
	}
	var spec query.Spec
	if err := json.Unmarshal(msg, &spec); err != nil {
		return nil, err
	}
	return spec.Build()
}

func (h *SubscribeHandler) writeLoop(conn *websocket.Conn, b *subscription.Binding, errs <-chan resultFrame, readDone <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		var frame resultFrame
		select {
		case <-readDone:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case r, ok := <-b.Updates():
			if !ok {
				return
			}
			frame = frameOf(r)
		case frame = <-errs:
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(frame); err != nil {
			logger.Debug("Subscription write failed", zap.Error(err))
			return
		}
	}
}

func (h *SubscribeHandler) track(conn *websocket.Conn) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
}

func (h *SubscribeHandler) untrack(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	_ = conn.Close()
}

// CloseAll 关闭全部 WebSocket 连接（服务关闭时调用）
func (h *SubscribeHandler) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		_ = conn.Close()
	}
}

// Connections 当前连接数
func (h *SubscribeHandler) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
