package taskdeck

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

// the access credential was missing or rejected by the server.
// the session manager converts this into a forced logout.
var ErrUnauthenticated = errors.New("unauthenticated")

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

type UnauthorizedFunction func()

type TaskApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	// the session manager is the single source for the access credential.
	// the credential is pulled per call and never cached here.
	byJwtFunc func() string

	unauthorizedCallbacks *CallbackList[UnauthorizedFunction]
}

func NewTaskApi(apiUrl string) *TaskApi {
	return NewTaskApiWithContext(context.Background(), apiUrl)
}

func NewTaskApiWithContext(ctx context.Context, apiUrl string) *TaskApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &TaskApi{
		ctx:                   cancelCtx,
		cancel:                cancel,
		apiUrl:                apiUrl,
		byJwtFunc:             func() string { return "" },
		unauthorizedCallbacks: NewCallbackList[UnauthorizedFunction](),
	}
}

// this gets attached to api calls that need it
func (self *TaskApi) SetByJwtFunc(byJwtFunc func() string) {
	self.byJwtFunc = byJwtFunc
}

func (self *TaskApi) AddUnauthorizedCallback(unauthorizedCallback UnauthorizedFunction) func() {
	callbackId := self.unauthorizedCallbacks.Add(unauthorizedCallback)
	return func() {
		self.unauthorizedCallbacks.Remove(callbackId)
	}
}

func (self *TaskApi) unauthorized() {
	for _, unauthorizedCallback := range self.unauthorizedCallbacks.Get() {
		unauthorizedCallback()
	}
}

func (self *TaskApi) Close() {
	self.cancel()
}

type AuthTokenCallback apiCallback[*AuthTokenResult]

type AuthTokenArgs struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthTokenResult struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

func (self *TaskApi) AuthToken(authToken *AuthTokenArgs, callback AuthTokenCallback) {
	go request(
		self,
		"POST",
		fmt.Sprintf("%s/token/", self.apiUrl),
		authToken,
		&AuthTokenResult{},
		callback,
		noAuth(),
	)
}

func (self *TaskApi) AuthTokenSync(authToken *AuthTokenArgs) (*AuthTokenResult, error) {
	callback, c := NewBlockingApiCallback[*AuthTokenResult]()
	self.AuthToken(authToken, callback)
	r := <-c
	return r.Result, r.Error
}

type RegisterCallback apiCallback[*RegisterResult]

type RegisterArgs struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Bio      string `json:"bio,omitempty"`
}

type RegisterResult struct {
	UserId   int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Bio      string `json:"bio,omitempty"`
}

func (self *TaskApi) Register(register *RegisterArgs, callback RegisterCallback) {
	go request(
		self,
		"POST",
		fmt.Sprintf("%s/register/", self.apiUrl),
		register,
		&RegisterResult{},
		callback,
		noAuth(),
	)
}

func (self *TaskApi) RegisterSync(register *RegisterArgs) (*RegisterResult, error) {
	callback, c := NewBlockingApiCallback[*RegisterResult]()
	self.Register(register, callback)
	r := <-c
	return r.Result, r.Error
}

type GetTasksCallback apiCallback[*GetTasksResult]

type GetTasksArgs struct {
	Status     TaskStatus
	Priority   TaskPriority
	CategoryId *int64
	Page       int
}

func (self *GetTasksArgs) query() string {
	values := url.Values{}
	if self.Status != "" {
		values.Set("status", string(self.Status))
	}
	if self.Priority != "" {
		values.Set("priority", string(self.Priority))
	}
	if self.CategoryId != nil {
		values.Set("category", strconv.FormatInt(*self.CategoryId, 10))
	}
	if 0 < self.Page {
		values.Set("page", strconv.Itoa(self.Page))
	}
	if len(values) == 0 {
		return ""
	}
	return "?" + values.Encode()
}

type GetTasksResult struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []*Task `json:"results"`
}

func (self *TaskApi) GetTasks(getTasks *GetTasksArgs, callback GetTasksCallback) {
	go request(
		self,
		"GET",
		fmt.Sprintf("%s/tasks/%s", self.apiUrl, getTasks.query()),
		nil,
		&GetTasksResult{},
		callback,
	)
}

func (self *TaskApi) GetTasksSync(getTasks *GetTasksArgs) (*GetTasksResult, error) {
	callback, c := NewBlockingApiCallback[*GetTasksResult]()
	self.GetTasks(getTasks, callback)
	r := <-c
	return r.Result, r.Error
}

type CreateTaskCallback apiCallback[*Task]

type CreateTaskArgs struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Status      TaskStatus   `json:"status,omitempty"`
	Priority    TaskPriority `json:"priority,omitempty"`
	CategoryId  *int64       `json:"category_id,omitempty"`
	Order       int          `json:"order"`
}

func (self *TaskApi) CreateTask(createTask *CreateTaskArgs, callback CreateTaskCallback) {
	go request(
		self,
		"POST",
		fmt.Sprintf("%s/tasks/", self.apiUrl),
		createTask,
		&Task{},
		callback,
	)
}

func (self *TaskApi) CreateTaskSync(createTask *CreateTaskArgs) (*Task, error) {
	callback, c := NewBlockingApiCallback[*Task]()
	self.CreateTask(createTask, callback)
	r := <-c
	return r.Result, r.Error
}

type UpdateTaskCallback apiCallback[*Task]

// partial update. Nil fields are not submitted.
type TaskPatch struct {
	Title       *string       `json:"title,omitempty"`
	Description *string       `json:"description,omitempty"`
	Status      *TaskStatus   `json:"status,omitempty"`
	Priority    *TaskPriority `json:"priority,omitempty"`
	CategoryId  *int64        `json:"category_id,omitempty"`
	Order       *int          `json:"order,omitempty"`
}

func (self *TaskApi) UpdateTask(taskId int64, patch *TaskPatch, callback UpdateTaskCallback) {
	go request(
		self,
		"PATCH",
		fmt.Sprintf("%s/tasks/%d/", self.apiUrl, taskId),
		patch,
		&Task{},
		callback,
	)
}

func (self *TaskApi) UpdateTaskSync(taskId int64, patch *TaskPatch) (*Task, error) {
	callback, c := NewBlockingApiCallback[*Task]()
	self.UpdateTask(taskId, patch, callback)
	r := <-c
	return r.Result, r.Error
}

type RemoveTaskCallback apiCallback[*RemoveTaskResult]

type RemoveTaskResult struct {
}

func (self *TaskApi) RemoveTask(taskId int64, callback RemoveTaskCallback) {
	go request(
		self,
		"DELETE",
		fmt.Sprintf("%s/tasks/%d/", self.apiUrl, taskId),
		nil,
		&RemoveTaskResult{},
		callback,
	)
}

func (self *TaskApi) RemoveTaskSync(taskId int64) (*RemoveTaskResult, error) {
	callback, c := NewBlockingApiCallback[*RemoveTaskResult]()
	self.RemoveTask(taskId, callback)
	r := <-c
	return r.Result, r.Error
}

type GetCategoriesCallback apiCallback[*GetCategoriesResult]

type GetCategoriesResult struct {
	Count    int         `json:"count"`
	Next     *string     `json:"next"`
	Previous *string     `json:"previous"`
	Results  []*Category `json:"results"`
}

func (self *TaskApi) GetCategories(callback GetCategoriesCallback) {
	go request(
		self,
		"GET",
		fmt.Sprintf("%s/categories/", self.apiUrl),
		nil,
		&GetCategoriesResult{},
		callback,
	)
}

func (self *TaskApi) GetCategoriesSync() (*GetCategoriesResult, error) {
	callback, c := NewBlockingApiCallback[*GetCategoriesResult]()
	self.GetCategories(callback)
	r := <-c
	return r.Result, r.Error
}

type CreateCategoryCallback apiCallback[*Category]

type CreateCategoryArgs struct {
	Name string `json:"name"`
}

func (self *TaskApi) CreateCategory(createCategory *CreateCategoryArgs, callback CreateCategoryCallback) {
	go request(
		self,
		"POST",
		fmt.Sprintf("%s/categories/", self.apiUrl),
		createCategory,
		&Category{},
		callback,
	)
}

func (self *TaskApi) CreateCategorySync(createCategory *CreateCategoryArgs) (*Category, error) {
	callback, c := NewBlockingApiCallback[*Category]()
	self.CreateCategory(createCategory, callback)
	r := <-c
	return r.Result, r.Error
}

type requestOpt func(*requestSettings)

type requestSettings struct {
	authenticate bool
}

// for the credential exchange endpoints, where a 401 means bad input,
// not a lost session
func noAuth() requestOpt {
	return func(settings *requestSettings) {
		settings.authenticate = false
	}
}

func request[R any](api *TaskApi, method string, url string, args any, result R, callback apiCallback[R], opts ...requestOpt) {
	settings := &requestSettings{
		authenticate: true,
	}
	for _, opt := range opts {
		opt(settings)
	}

	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return
		}
	}

	req, err := http.NewRequestWithContext(api.ctx, method, url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return
	}

	req.Header.Add("Content-Type", "application/json")

	if settings.authenticate {
		if byJwt := api.byJwtFunc(); byJwt != "" {
			auth := fmt.Sprintf("Bearer %s", byJwt)
			req.Header.Add("Authorization", auth)
		}
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if settings.authenticate && (r.StatusCode == http.StatusUnauthorized || r.StatusCode == http.StatusForbidden) {
		api.unauthorized()
		var empty R
		callback.Result(empty, ErrUnauthenticated)
		return
	}

	if r.StatusCode < http.StatusOK || http.StatusMultipleChoices <= r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		if errorMessage == "" {
			errorMessage = r.Status
		}
		callback.Result(result, errors.New(errorMessage))
		return
	}

	if err != nil {
		callback.Result(result, err)
		return
	}

	if 0 < len(responseBodyBytes) {
		err = json.Unmarshal(responseBodyBytes, &result)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return
		}
	}

	callback.Result(result, nil)
}
