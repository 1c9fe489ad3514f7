package taskdeck

import (
	"errors"
	"sync"

	"github.com/golang/glog"
)

// session state machine is:
// SessionStatusUnauthenticated
//
//	-> SessionStatusValidating (stored credential found at startup)
//	  -> SessionStatusAuthenticated
//	  -> SessionStatusUnauthenticated (validation failed)
//	-> SessionStatusAuthenticated (login)
//	  -> SessionStatusUnauthenticated (logout)
//	  -> SessionStatusExpired (credential rejected by the server)
type SessionStatus string

const (
	SessionStatusUnauthenticated SessionStatus = "Unauthenticated"
	SessionStatusValidating      SessionStatus = "Validating"
	SessionStatusAuthenticated   SessionStatus = "Authenticated"
	SessionStatusExpired         SessionStatus = "Expired"
)

func (self SessionStatus) IsAuthenticated() bool {
	switch self {
	case SessionStatusAuthenticated:
		return true
	default:
		return false
	}
}

var ErrInvalidCredentials = errors.New("invalid credentials")

type SessionChangeFunction = func(status SessionStatus, identity *Identity)

// SessionManager owns the authentication lifecycle. It is the single
// source of the access credential for all outbound calls. Exactly one
// exists per running client.
type SessionManager struct {
	api   *TaskApi
	store CredentialStore

	stateLock sync.Mutex

	status       SessionStatus
	identity     *Identity
	accessToken  string
	refreshToken string

	sessionChangeCallbacks *CallbackList[SessionChangeFunction]

	removeUnauthorizedCallback func()
}

func NewSessionManager(api *TaskApi, store CredentialStore) *SessionManager {
	sessionManager := &SessionManager{
		api:                    api,
		store:                  store,
		status:                 SessionStatusUnauthenticated,
		sessionChangeCallbacks: NewCallbackList[SessionChangeFunction](),
	}
	api.SetByJwtFunc(sessionManager.ByJwt)
	sessionManager.removeUnauthorizedCallback = api.AddUnauthorizedCallback(sessionManager.expire)
	return sessionManager
}

func (self *SessionManager) Status() SessionStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status
}

func (self *SessionManager) Identity() *Identity {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.identity
}

// the current access credential, or "" when there is none.
// other components must pull this per call and never cache it.
func (self *SessionManager) ByJwt() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.accessToken
}

func (self *SessionManager) AddSessionChangeCallback(sessionChangeCallback SessionChangeFunction) func() {
	callbackId := self.sessionChangeCallbacks.Add(sessionChangeCallback)
	return func() {
		self.sessionChangeCallbacks.Remove(callbackId)
	}
}

func (self *SessionManager) sessionChanged() {
	var status SessionStatus
	var identity *Identity
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		status = self.status
		identity = self.identity
	}()

	for _, sessionChangeCallback := range self.sessionChangeCallbacks.Get() {
		sessionChangeCallback(status, identity)
	}
}

// Initialize loads the persisted credential pair and validates the access
// credential with a lightweight server call. It always returns, also when
// the validation call errors.
func (self *SessionManager) Initialize() error {
	accessToken, err := self.store.Get(storeKeyAccessToken)
	if err != nil {
		return err
	}
	if accessToken == "" {
		return nil
	}
	refreshToken, err := self.store.Get(storeKeyRefreshToken)
	if err != nil {
		return err
	}

	identity, err := ParseIdentityJwtUnverified(accessToken)
	if err != nil {
		glog.Infof("[s]stored credential unreadable = %s\n", err)
		self.clear(SessionStatusUnauthenticated)
		self.sessionChanged()
		return nil
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.status = SessionStatusValidating
		self.accessToken = accessToken
		self.refreshToken = refreshToken
	}()
	self.sessionChanged()

	// validation call. A credential rejection is handled by `expire` via the
	// api unauthorized callback.
	_, err = self.api.GetTasksSync(&GetTasksArgs{Page: 1})
	if err != nil {
		if self.Status() == SessionStatusValidating {
			glog.Infof("[s]validation failed = %s\n", err)
			self.clear(SessionStatusUnauthenticated)
			self.sessionChanged()
		}
		return nil
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.status == SessionStatusValidating {
			self.status = SessionStatusAuthenticated
			self.identity = identity
		}
	}()
	self.sessionChanged()
	return nil
}

func (self *SessionManager) Login(username string, password string) error {
	result, err := self.api.AuthTokenSync(&AuthTokenArgs{
		Username: username,
		Password: password,
	})
	if err != nil {
		glog.Infof("[s]login failed = %s\n", err)
		return ErrInvalidCredentials
	}

	if err := self.store.Put(storeKeyAccessToken, result.Access); err != nil {
		glog.Infof("[s]persist access credential failed = %s\n", err)
	}
	if err := self.store.Put(storeKeyRefreshToken, result.Refresh); err != nil {
		glog.Infof("[s]persist refresh credential failed = %s\n", err)
	}

	identity, err := ParseIdentityJwtUnverified(result.Access)
	if err != nil {
		identity = &Identity{}
	}
	if identity.Username == "" {
		identity.Username = username
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.status = SessionStatusAuthenticated
		self.identity = identity
		self.accessToken = result.Access
		self.refreshToken = result.Refresh
	}()
	self.sessionChanged()
	return nil
}

// Signup registers a new identity. It does not authenticate.
// The caller must `Login` afterward.
func (self *SessionManager) Signup(username string, email string, password string, bio string) (*RegisterResult, error) {
	result, err := self.api.RegisterSync(&RegisterArgs{
		Username: username,
		Email:    email,
		Password: password,
		Bio:      bio,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Logout synchronously clears persisted and in-memory credentials.
// Idempotent.
func (self *SessionManager) Logout() {
	self.clear(SessionStatusUnauthenticated)
	self.sessionChanged()
}

// called when any request observes a credential rejection
func (self *SessionManager) expire() {
	var next SessionStatus
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		switch self.status {
		case SessionStatusAuthenticated:
			next = SessionStatusExpired
		case SessionStatusValidating:
			// a rejected credential at startup is a plain unauthenticated start
			next = SessionStatusUnauthenticated
		}
	}()
	if next == "" {
		return
	}
	glog.Infof("[s]session expired\n")
	self.clear(next)
	self.sessionChanged()
}

func (self *SessionManager) clear(status SessionStatus) {
	if err := self.store.Remove(storeKeyAccessToken); err != nil {
		glog.Infof("[s]remove access credential failed = %s\n", err)
	}
	if err := self.store.Remove(storeKeyRefreshToken); err != nil {
		glog.Infof("[s]remove refresh credential failed = %s\n", err)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.status = status
	self.identity = nil
	self.accessToken = ""
	self.refreshToken = ""
}
