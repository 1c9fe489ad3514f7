package taskdeck

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

// listener state machine is:
// ListenerStateDisconnected
//
//	-> ListenerStateConnecting
//	  -> ListenerStateConnected
//	    -> ListenerStateDisconnected (error/close, reconnect after backoff)
//
// reconnection is only attempted while the session remains authenticated
type ListenerState string

const (
	ListenerStateDisconnected ListenerState = "Disconnected"
	ListenerStateConnecting   ListenerState = "Connecting"
	ListenerStateConnected    ListenerState = "Connected"
)

type PushListenerSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultPushListenerSettings() *PushListenerSettings {
	return &PushListenerSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
	}
}

type pushMessage struct {
	Type string `json:"type"`
}

// PushListener subscribes to the server push channel and invalidates the
// task cache when the collection changes server-side or in another session.
type PushListener struct {
	ctx    context.Context
	cancel context.CancelFunc

	wsUrl string

	session *SessionManager
	cache   *TaskCache

	settings *PushListenerSettings

	// identifies this running client on the channel, for log correlation
	instanceId Id

	stateLock    sync.Mutex
	state        ListenerState
	handleCancel context.CancelFunc

	stateMonitor *Monitor

	sessionMonitor *Monitor

	removeSessionChangeCallback func()
}

func NewPushListenerWithDefaults(ctx context.Context, wsUrl string, session *SessionManager, cache *TaskCache) *PushListener {
	return NewPushListener(ctx, wsUrl, session, cache, DefaultPushListenerSettings())
}

func NewPushListener(ctx context.Context, wsUrl string, session *SessionManager, cache *TaskCache, settings *PushListenerSettings) *PushListener {
	cancelCtx, cancel := context.WithCancel(ctx)
	listener := &PushListener{
		ctx:            cancelCtx,
		cancel:         cancel,
		wsUrl:          wsUrl,
		session:        session,
		cache:          cache,
		settings:       settings,
		instanceId:     NewId(),
		state:          ListenerStateDisconnected,
		stateMonitor:   NewMonitor(),
		sessionMonitor: NewMonitor(),
	}
	listener.removeSessionChangeCallback = session.AddSessionChangeCallback(listener.sessionChanged)
	go listener.run()
	return listener
}

func (self *PushListener) State() ListenerState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *PushListener) StateMonitor() *Monitor {
	return self.stateMonitor
}

func (self *PushListener) Close() {
	self.removeSessionChangeCallback()
	self.cancel()
}

func (self *PushListener) setState(state ListenerState) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.state != state {
			self.state = state
			changed = true
		}
	}()
	if changed {
		self.stateMonitor.NotifyAll()
	}
}

func (self *PushListener) sessionChanged(status SessionStatus, identity *Identity) {
	if !status.IsAuthenticated() {
		// close the channel. No reconnection until the next login.
		self.stateLock.Lock()
		handleCancel := self.handleCancel
		self.stateLock.Unlock()
		if handleCancel != nil {
			handleCancel()
		}
	}
	self.sessionMonitor.NotifyAll()
}

func (self *PushListener) run() {
	defer func() {
		self.cancel()
		self.setState(ListenerStateDisconnected)
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		if !self.session.Status().IsAuthenticated() {
			select {
			case <-self.ctx.Done():
				return
			case <-self.sessionMonitor.NotifyChannel():
			}
			continue
		}

		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		self.setState(ListenerStateConnecting)
		ws, err := self.connect()
		if err != nil {
			glog.Infof("[p]%s connect error = %s\n", self.instanceId, err)
			self.setState(ListenerStateDisconnected)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.setState(ListenerStateConnected)
		reconnect = NewReconnect(self.settings.ReconnectTimeout)
		self.handle(ws)
		self.setState(ListenerStateDisconnected)

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *PushListener) connect() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}

	header := http.Header{}
	if byJwt := self.session.ByJwt(); byJwt != "" {
		header.Add("Authorization", fmt.Sprintf("Bearer %s", byJwt))
	}

	ws, _, err := dialer.DialContext(self.ctx, self.wsUrl, header)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

func (self *PushListener) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.handleCancel = handleCancel
	}()
	defer func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.handleCancel = nil
	}()

	// a logout that lands after run's status check and before the
	// registration above has no cancel to call. Re-check now that it does.
	if !self.session.Status().IsAuthenticated() {
		handleCancel()
	}

	// ping writer
	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[p]%s<- error = %s\n", self.instanceId, err)
				return
			}

			switch messageType {
			case websocket.TextMessage:
				self.receive(message)
			default:
				glog.V(2).Infof("[p]other=%d %s<-\n", messageType, self.instanceId)
			}
		}
	}()

	select {
	case <-handleCtx.Done():
	}
}

func (self *PushListener) receive(message []byte) {
	var push pushMessage
	if err := json.Unmarshal(message, &push); err != nil {
		// malformed frames are logged and dropped, never fatal
		glog.Infof("[p]%s<- malformed message = %s\n", self.instanceId, err)
		return
	}

	switch push.Type {
	case "task_update":
		glog.V(2).Infof("[p]%s<- task_update\n", self.instanceId)
		// conservatively invalidate every view for the session rather than
		// diffing against the change
		self.cache.InvalidateAllForSession()
	default:
		glog.V(2).Infof("[p]%s<- ignored type=%q\n", self.instanceId, push.Type)
	}
}
